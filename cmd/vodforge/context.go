package main

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"vodforge/internal/config"
	"vodforge/internal/observability/logging"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string
	devFlag      *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
	logger     *slog.Logger
}

func newCommandContext(configFlag, logLevelFlag *string, devFlag *bool) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
		devFlag:      devFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var overrides []func(*config.Config)
		if c.devFlag != nil && *c.devFlag {
			overrides = append(overrides, (*config.Config).UseMemoryBackends)
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			level := strings.TrimSpace(*c.logLevelFlag)
			overrides = append(overrides, func(cfg *config.Config) { cfg.Logging.Level = level })
		}

		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path, overrides...)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logging.Init(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Writer: os.Stderr,
		})
		if cfg.Source != "" {
			c.logger.Debug("configuration loaded", "path", cfg.Source)
		}
	})
	return c.config, c.configErr
}

func (c *commandContext) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
