package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/guardian/support-admin-console-sub001/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the console API over HTTP",
	Long: `Serve exposes the configured store as the console API, with change
notifications pushed over a WebSocket at /events. The http backend cannot
be served.`,
	Example: `  console serve --backend sql --addr :8080`,
	Args:    cobra.NoArgs,
	RunE:    runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch [collection...]",
	Short: "Print changes made by any editor as they happen",
	Example: `  console watch banner-tests epic-tests
  console watch --backend http --api https://console.example.com`,
	RunE: runWatch,
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example config file",
	Args:  cobra.MaximumNArgs(1),
	// No store is needed to write a file.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "console.json"
		if len(args) > 0 {
			path = args[0]
		}
		if err := config.SaveExample(path); err != nil {
			return err
		}
		printSuccess("Wrote %s", path)
		return nil
	},
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(initCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	srv, err := apiClient.Server()
	if err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	if !jsonOutput {
		printInfo("Serving %s store on %s", cfg.Store.Backend, addr)
	}
	return srv.Run(cmd.Context(), addr, cfg.Server.ShutdownTimeout)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ch, err := apiClient.Watch(ctx, args...)
	if err != nil {
		return err
	}
	if !jsonOutput {
		scope := "all collections"
		if len(args) > 0 {
			scope = strings.Join(args, ", ")
		}
		printInfo("Watching %s, press Ctrl-C to stop", scope)
	}

	for n := range ch {
		if jsonOutput {
			if err := printJSON(n); err != nil {
				return err
			}
			continue
		}

		line := fmt.Sprintf("%s  %-10s %s by %s",
			n.At.Local().Format("15:04:05"), n.Type, n.Resource, n.Editor)
		if len(n.Items) > 0 {
			line += fmt.Sprintf(" %v", n.Items)
		}
		fmt.Println(line)
	}
	return nil
}
