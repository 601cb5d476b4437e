package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir   string
	DBPath    string
	AgentsDir string
}

func New() (*Config, error) {
	// A local .env is optional; absence is not an error.
	godotenv.Load()

	dataDir := getEnv("SOULFLOW_DATA_DIR", ".soulflow")
	if dataDir == "" || dataDir[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(homeDir, ".soulflow")
	}

	c := &Config{
		DataDir:   dataDir,
		DBPath:    filepath.Join(dataDir, "state.db"),
		AgentsDir: filepath.Join(dataDir, "agents"),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.AgentsDir, 0755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
