package commands

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/fdverney/keyfob"
)

// envPrefix is stripped from environment variables during config loading
// (e.g. KEYFOB_SERVER_URL → server_url)
const envPrefix = "KEYFOB_"

// loadConfig loads client configuration from various sources with
// precedence: config file → environment variables → CLI flags
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*keyfob.ClientConfig, error) {
	k := koanf.New(".")

	// 1. Load from config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. Load from environment variables
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, envPrefix)), value
		},
		EnvironFunc: environFunc,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	// 3. Load from CLI flags if provided
	if cmd != nil {
		if err := k.Load(confmap.Provider(extractFlags(cmd), "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &keyfob.ClientConfig{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return config, nil
}

// reserved holds flags that steer the CLI itself rather than the client
// configuration.
var reserved = map[string]bool{
	"config":     true,
	"log-level":  true,
	"log-format": true,
	"username":   true,
	"audience":   true,
}

// extractFlags transforms CLI flag names to config keys. Includes parent
// flags. Example: --server-url → server_url
func extractFlags(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	// FlagNames() includes flags from parent commands (via lineage)
	for _, name := range cmd.FlagNames() {
		// Skip unset flags to preserve precedence from earlier config sources
		if reserved[name] || !cmd.IsSet(name) {
			continue
		}

		if value := cmd.Value(name); value != nil {
			values[strings.ReplaceAll(name, "-", "_")] = value
		}
	}

	return values
}
