// Package cli implements the wickerctl command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/wicker/store"
)

// RootOptions holds global flags shared by every subcommand.
type RootOptions struct {
	Verbose    bool
	ConfigFile string

	Endpoint string
	Database string
	Username string
	Password string
	Token    string
}

// fileConfig is the shape of the optional --config YAML file.
type fileConfig struct {
	Endpoint string `yaml:"endpoint"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// NewRootCommand creates the wickerctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "wickerctl",
		Short:         "Operate a revision-chained document store",
		Long:          "wickerctl runs administrative and inspection operations against a document store database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
			slog.SetDefault(slog.New(handler))
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Endpoint, "endpoint", "", "store endpoint URL")
	cmd.PersistentFlags().StringVar(&opts.Database, "database", "", "database name")
	cmd.PersistentFlags().StringVar(&opts.Username, "username", "", "basic auth username")
	cmd.PersistentFlags().StringVar(&opts.Password, "password", "", "basic auth password")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token")

	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewFindCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewRevsLimitCommand(opts))
	cmd.AddCommand(NewDeletedCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// resolveConfig layers connection settings: environment, then the config
// file, then flags, most specific last.
func (o *RootOptions) resolveConfig() (store.Config, error) {
	cfg, err := store.ConfigFromEnv()
	if err != nil {
		return store.Config{}, err
	}
	if o.ConfigFile != "" {
		data, err := os.ReadFile(o.ConfigFile)
		if err != nil {
			return store.Config{}, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return store.Config{}, fmt.Errorf("parse config: %w", err)
		}
		overlay(&cfg.Endpoint, fc.Endpoint)
		overlay(&cfg.Database, fc.Database)
		overlay(&cfg.Username, fc.Username)
		overlay(&cfg.Password, fc.Password)
		overlay(&cfg.Token, fc.Token)
	}
	overlay(&cfg.Endpoint, o.Endpoint)
	overlay(&cfg.Database, o.Database)
	overlay(&cfg.Username, o.Username)
	overlay(&cfg.Password, o.Password)
	overlay(&cfg.Token, o.Token)
	return cfg, nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// newClient builds a store client from the resolved settings.
func (o *RootOptions) newClient() (*store.Client, error) {
	cfg, err := o.resolveConfig()
	if err != nil {
		return nil, err
	}
	return store.New(cfg)
}
