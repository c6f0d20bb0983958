package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	otaconfig "github.com/pithecene-io/ota/cli/config"
)

// Flag precedence: an explicitly set flag wins, then the config file
// value, then the flag's own default.

func resolveString(c *cli.Context, name, configValue string) string {
	if c.IsSet(name) || configValue == "" {
		return c.String(name)
	}
	return configValue
}

func resolveInt(c *cli.Context, name string, configValue int) int {
	if c.IsSet(name) || configValue == 0 {
		return c.Int(name)
	}
	return configValue
}

func resolveInt64(c *cli.Context, name string, configValue int64) int64 {
	if c.IsSet(name) || configValue == 0 {
		return c.Int64(name)
	}
	return configValue
}

func resolveFloat(c *cli.Context, name string, configValue float64) float64 {
	if c.IsSet(name) || configValue == 0 {
		return c.Float64(name)
	}
	return configValue
}

func resolveBool(c *cli.Context, name string, configValue bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return configValue || c.Bool(name)
}

func resolveDuration(c *cli.Context, name string, configValue time.Duration) time.Duration {
	if c.IsSet(name) || configValue == 0 {
		return c.Duration(name)
	}
	return configValue
}

func resolveStringSlice(c *cli.Context, name string, configValue []string) []string {
	if c.IsSet(name) || len(configValue) == 0 {
		return c.StringSlice(name)
	}
	return configValue
}

// configVal reads a field from cfg, or returns the zero value for a nil
// config.
func configVal[T any](cfg *otaconfig.Config, get func(*otaconfig.Config) T) T {
	var zero T
	if cfg == nil {
		return zero
	}
	return get(cfg)
}

// loadConfig loads --config if given. Returns nil without a flag.
func loadConfig(c *cli.Context) (*otaconfig.Config, error) {
	path := c.String("config")
	if path == "" {
		return nil, nil
	}
	return otaconfig.Load(path)
}

// parseHeaders merges key=value flag headers over config headers.
func parseHeaders(flagName string, values []string, base map[string]string) (map[string]string, error) {
	headers := make(map[string]string, len(base)+len(values))
	for k, v := range base {
		headers[k] = v
	}
	for _, h := range values {
		k, v, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --%s %q: expected key=value", flagName, h)
		}
		headers[strings.TrimSpace(k)] = v
	}
	return headers, nil
}
