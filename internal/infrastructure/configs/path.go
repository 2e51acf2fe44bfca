package configs

import (
	"flag"
	"os"

	"github.com/hilthontt/roomshuffle/internal/infrastructure/env"
)

// DetermineConfigPath resolves --config, then ROOMSHUFFLE_CONFIG, then the
// first candidate file that exists. An empty result means defaults and env
// overrides only.
func DetermineConfigPath() string {
	var configPath string

	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if configPath == "" {
		configPath = env.GetString("ROOMSHUFFLE_CONFIG", "")
	}

	if configPath == "" {
		candidates := []string{
			"./config.yaml",
			"./config.yml",
			"./tmp/config.yaml",
			"../../config.yaml", // keep for local dev
			"/etc/roomshuffle/config.yaml",
			"/app/config.yaml", // common in Docker
		}

		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	return configPath
}
