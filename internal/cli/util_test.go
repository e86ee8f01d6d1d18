package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOrReturnsFallbackWhenUnset(t *testing.T) {
	t.Setenv("CLI_TEST_ENVOR_KEY", "")
	assert.Equal(t, "fallback", envOr("CLI_TEST_ENVOR_KEY", "fallback"))
}

func TestEnvOrReturnsValueWhenSet(t *testing.T) {
	t.Setenv("CLI_TEST_ENVOR_KEY", "set-value")
	assert.Equal(t, "set-value", envOr("CLI_TEST_ENVOR_KEY", "fallback"))
}

func TestLoadConfigWithEmptyPathUsesDefaults(t *testing.T) {
	old := configPath
	configPath = ""
	defer func() { configPath = old }()

	cfg, err := loadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7447", cfg.ListenAddress)
}
