package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

const exampleHeader = `# fangate configuration.
# Values shown are the defaults; environment variables with the FANGATE_
# prefix override file values (e.g. FANGATE_REDIS_ADDR).
`

// ExampleYAML renders a complete default configuration as commented YAML,
// used by "fangate init".
func ExampleYAML() ([]byte, error) {
	var cfg Config
	cfg.SetDefaults()

	var buf bytes.Buffer
	buf.WriteString(exampleHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return nil, fmt.Errorf("encode example config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode example config: %w", err)
	}
	return buf.Bytes(), nil
}
