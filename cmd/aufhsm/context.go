package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"aufhsm/internal/config"
	"aufhsm/internal/logging"
)

type commandContext struct {
	configFlag *string
	dirFlag    *string
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, dirFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		dirFlag:    dirFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.dirFlag != nil && strings.TrimSpace(*c.dirFlag) != "" {
			dir, err := config.ExpandPath(strings.TrimSpace(*c.dirFlag))
			if err != nil {
				c.configErr = fmt.Errorf("resolve --dir: %w", err)
				return
			}
			cfg.Paths.ListDir = dir
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) isVerbose() bool {
	return c.verbose != nil && *c.verbose
}

func (c *commandContext) logger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := logging.NewFromConfig(cfg, "aufhsm", false, c.isVerbose())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
