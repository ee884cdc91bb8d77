package envconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via SEQSCHED_HOST in the environment
	Host string
	// Set via SEQSCHED_ORIGINS in the environment
	AllowOrigins []string
	// Set via SEQSCHED_DEBUG in the environment
	Debug bool
	// Set via SEQSCHED_ENGINE in the environment
	Engine string
	// Set via SEQSCHED_PREFIX_CAPACITY in the environment
	PrefixCapacity int
	// Set via SEQSCHED_PREFIX_DIR in the environment
	PrefixDir string
	// Set via SEQSCHED_MAX_STEPS in the environment
	MaxStepsPerCall int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SEQSCHED_HOST":            {"SEQSCHED_HOST", Host, "Address for the scheduler server (default 127.0.0.1:8080)"},
		"SEQSCHED_ORIGINS":         {"SEQSCHED_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"SEQSCHED_DEBUG":           {"SEQSCHED_DEBUG", Debug, "Show additional debug information (e.g. SEQSCHED_DEBUG=1)"},
		"SEQSCHED_ENGINE":          {"SEQSCHED_ENGINE", Engine, "Execution engine to load (default \"naive\")"},
		"SEQSCHED_PREFIX_CAPACITY": {"SEQSCHED_PREFIX_CAPACITY", PrefixCapacity, "Maximum number of cached prompt prefixes (default 16)"},
		"SEQSCHED_PREFIX_DIR":      {"SEQSCHED_PREFIX_DIR", PrefixDir, "Directory for persisted prefix slots"},
		"SEQSCHED_MAX_STEPS":       {"SEQSCHED_MAX_STEPS", MaxStepsPerCall, "Maximum decode steps a single step call may run (default 512)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	// default values
	Host = "127.0.0.1:8080"
	Engine = "naive"
	PrefixCapacity = 16
	MaxStepsPerCall = 512

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("SEQSCHED_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if host := clean("SEQSCHED_HOST"); host != "" {
		Host = host
	}

	if engine := clean("SEQSCHED_ENGINE"); engine != "" {
		Engine = engine
	}

	PrefixDir = clean("SEQSCHED_PREFIX_DIR")

	if cap := clean("SEQSCHED_PREFIX_CAPACITY"); cap != "" {
		if n, err := strconv.Atoi(cap); err == nil && n > 0 {
			PrefixCapacity = n
		}
	}

	if steps := clean("SEQSCHED_MAX_STEPS"); steps != "" {
		if n, err := strconv.Atoi(steps); err == nil && n > 0 {
			MaxStepsPerCall = n
		}
	}

	AllowOrigins = defaultAllowOrigins
	if origins := clean("SEQSCHED_ORIGINS"); origins != "" {
		AllowOrigins = append(strings.Split(origins, ","), defaultAllowOrigins...)
	}
}
