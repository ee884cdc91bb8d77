package version

// Version is overridden at build time.
var Version = "0.0.0"
