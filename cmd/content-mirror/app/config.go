package app

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/stacklok/content-mirror/internal/config"
	"github.com/stacklok/content-mirror/internal/logger"
)

// envOverrides maps environment keys (read as CONTENT_MIRROR_<KEY> with dots
// replaced by underscores) onto config fields. Secrets usually arrive this way
// rather than through the config file.
var envOverrides = map[string]func(*config.Config, string){
	"cms.space":         func(c *config.Config, v string) { c.CMS.Space = v },
	"cms.environment":   func(c *config.Config, v string) { c.CMS.Environment = v },
	"cms.access.token":  func(c *config.Config, v string) { c.CMS.AccessToken = v },
	"cms.preview.token": func(c *config.Config, v string) { c.CMS.PreviewToken = v },
	"webhook.username":  func(c *config.Config, v string) { c.Webhook.Username = v },
	"webhook.password":  func(c *config.Config, v string) { c.Webhook.Password = v },
	"redis.password": func(c *config.Config, v string) {
		if c.Redis != nil {
			c.Redis.Password = v
		}
	},
}

func applyEnvOverrides(v *viper.Viper) func(*config.Config) {
	return func(cfg *config.Config) {
		for key, set := range envOverrides {
			if value := v.GetString(key); value != "" {
				logger.Debug("Applying configuration override from environment", "key", key)
				set(cfg, value)
			}
		}
	}
}

// loadConfig reads the file named by --config (or CONTENT_MIRROR_CONFIG) and
// applies environment overrides before validation.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("a configuration file is required (--config or %s_CONFIG)", config.EnvPrefix)
	}

	cfg, err := config.LoadConfig(
		config.WithConfigPath(configPath),
		config.WithOverride(applyEnvOverrides(viper.GetViper())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("Loaded configuration",
		"path", configPath,
		"space", cfg.CMS.Space,
		"delivery", cfg.GetContentDelivery(),
		"sync_store", cfg.GetSyncStore())
	return cfg, nil
}
