package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/huebyte/echohub/config"
)

// defaultConfigFile returns $XDG_CONFIG_HOME/echohub/echohubctl.toml.
func defaultConfigFile() string {
	return filepath.Join(xdg.ConfigHome, "echohub", "echohubctl.toml")
}

// loadSettings reads file if it exists and layers the environment on top.
func loadSettings(file string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("echohub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	defaults := config.Default()
	v.SetDefault("database.dsn", defaults.Database.DSN)
	v.SetDefault("messages.batch-size", 500)
	v.SetDefault("token.ttl", "24h")

	_ = v.BindEnv("database.dsn", "ECHOHUB_DATABASE_DSN", "DB_DSN")
	_ = v.BindEnv("encryption-key", "ECHOHUB_ENCRYPTION_KEY", "ENCRYPTION_KEY")
	_ = v.BindEnv("jwt.secret", "ECHOHUB_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("jwt.issuer", "ECHOHUB_JWT_ISSUER", "JWT_ISSUER")
	_ = v.BindEnv("jwt.audience", "ECHOHUB_JWT_AUDIENCE", "JWT_AUDIENCE")

	if file == "" {
		return v, nil
	}
	v.SetConfigFile(file)
	if _, err := os.Stat(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", file, err)
	}
	return v, nil
}
