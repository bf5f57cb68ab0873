package config

import (
	"os"
	"regexp"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references in the fields that commonly carry
// secrets or host names. Unset variables expand to the empty string.
func (c *Config) expandEnv() {
	c.LLM.Endpoint = expand(c.LLM.Endpoint)
	c.LLM.APIKey = expand(c.LLM.APIKey)
	c.Stores.Vector.Host = expand(c.Stores.Vector.Host)
	c.Stores.Vector.APIKey = expand(c.Stores.Vector.APIKey)
	c.Stores.Graph.Endpoint = expand(c.Stores.Graph.Endpoint)
	c.Stores.Relational.DSN = expand(c.Stores.Relational.DSN)
}

func expand(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
