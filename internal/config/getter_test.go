package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvStrFallsBackToDefault(t *testing.T) {
	_ = os.Unsetenv("FACTENGINE_TEST_STR")
	assert.Equal(t, "fallback", GetEnvStr("FACTENGINE_TEST_STR", "fallback"))

	_ = os.Setenv("FACTENGINE_TEST_STR", "set")
	t.Cleanup(func() { _ = os.Unsetenv("FACTENGINE_TEST_STR") })
	assert.Equal(t, "set", GetEnvStr("FACTENGINE_TEST_STR", "fallback"))
}

func TestGetEnvIntParsesOrFallsBack(t *testing.T) {
	_ = os.Setenv("FACTENGINE_TEST_INT", "42")
	t.Cleanup(func() { _ = os.Unsetenv("FACTENGINE_TEST_INT") })
	assert.Equal(t, 42, GetEnvInt("FACTENGINE_TEST_INT", 1))

	_ = os.Setenv("FACTENGINE_TEST_INT", "not-an-int")
	assert.Equal(t, 1, GetEnvInt("FACTENGINE_TEST_INT", 1))
}

func TestGetEnvBoolAcceptsVariants(t *testing.T) {
	for _, v := range []string{"true", "1", "yes", "TRUE"} {
		_ = os.Setenv("FACTENGINE_TEST_BOOL", v)
		assert.True(t, GetEnvBool("FACTENGINE_TEST_BOOL", false), "value %q", v)
	}

	for _, v := range []string{"false", "0", "no"} {
		_ = os.Setenv("FACTENGINE_TEST_BOOL", v)
		assert.False(t, GetEnvBool("FACTENGINE_TEST_BOOL", true), "value %q", v)
	}

	t.Cleanup(func() { _ = os.Unsetenv("FACTENGINE_TEST_BOOL") })
}

func TestGetEnvDurationParsesOrFallsBack(t *testing.T) {
	_ = os.Setenv("FACTENGINE_TEST_DURATION", "30s")
	t.Cleanup(func() { _ = os.Unsetenv("FACTENGINE_TEST_DURATION") })
	assert.Equal(t, 30*time.Second, GetEnvDuration("FACTENGINE_TEST_DURATION", time.Second))
}

func TestGetEnvLogLevel(t *testing.T) {
	_ = os.Setenv("FACTENGINE_TEST_LEVEL", "debug")
	t.Cleanup(func() { _ = os.Unsetenv("FACTENGINE_TEST_LEVEL") })
	assert.Equal(t, slog.LevelDebug, GetEnvLogLevel("FACTENGINE_TEST_LEVEL", slog.LevelInfo))
}

func TestParseCommaSeparatedList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, ParseCommaSeparatedList("a, b ,c"))
	assert.Equal(t, []string{}, ParseCommaSeparatedList(""))
}
