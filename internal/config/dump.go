package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Dump renders the effective configuration, defaults applied, for startup
// logging.
func (c *Config) Dump() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config dump failed: %v>", err)
	}
	return string(out)
}
