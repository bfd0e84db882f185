package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guardian/support-admin-console-sub001/internal/client"
	"github.com/guardian/support-admin-console-sub001/internal/config"
	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/session"
)

var (
	cfgFile    string
	jsonOutput bool
	policyName string

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "console",
	Short: "Edit test collections of the support admin console",
	Long: `Console fetches, locks and edits the test collections of the support
admin console. Editors take a lock before changing anything, so two people
never overwrite each other's work.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./console.json or ~/.config/support-admin-console/config.json)")
	flags.StringP("editor", "e", "", "editor email address")
	flags.String("backend", "", "store backend: memory, sql, aws or http")
	flags.String("api", "", "console API base URL (http backend)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&jsonOutput, "json", false, "print results as JSON")
	flags.StringVar(&policyName, "policy", session.ListPolicy().String(), "locking policy: list or item")
}

// setup loads configuration and connects to the store before any command.
func setup(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"editor.email":  "editor",
		"store.backend": "backend",
		"api.base_url":  "api",
		"log.level":     "log-level",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := loader.BindFlag(key, f); err != nil {
				return fmt.Errorf("bind --%s: %w", flag, err)
			}
		}
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if jsonOutput {
		cfg.Log.Color = false
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if used := loader.ConfigFileUsed(); used != "" {
		logger.WithField("file", used).Debug("Loaded config file")
	}

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

// Execute runs the root command. Interrupts cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if apiClient != nil {
		if cerr := apiClient.Close(); cerr != nil && err == nil {
			err = cerr
		}
		apiClient = nil
	}
	return err
}

func main() {
	if err := Execute(); err != nil {
		if !jsonOutput {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

// policy parses --policy.
func policy() (session.LockingPolicy, error) {
	p, ok := session.ParsePolicy(policyName)
	if !ok {
		return session.LockingPolicy{}, fmt.Errorf("unknown policy %q, want list or item", policyName)
	}
	return p, nil
}

// requireEditor fails commands that change anything without an identity.
func requireEditor() error {
	return cfg.RequireEditor()
}
