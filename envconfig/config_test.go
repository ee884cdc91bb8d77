package envconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	Debug = false // Reset whatever was loaded in init()
	t.Setenv("SEQSCHED_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("SEQSCHED_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("SEQSCHED_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)

	t.Setenv("SEQSCHED_ENGINE", "\"turbo\"")
	LoadConfig()
	require.Equal(t, "turbo", Engine)

	t.Setenv("SEQSCHED_PREFIX_CAPACITY", "5")
	LoadConfig()
	require.Equal(t, 5, PrefixCapacity)

	t.Setenv("SEQSCHED_PREFIX_CAPACITY", "not-a-number")
	PrefixCapacity = 16
	LoadConfig()
	require.Equal(t, 16, PrefixCapacity)

	t.Setenv("SEQSCHED_ORIGINS", "https://a.example,https://b.example")
	LoadConfig()
	require.Contains(t, AllowOrigins, "https://a.example")
	require.Contains(t, AllowOrigins, "localhost")
}
