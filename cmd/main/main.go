package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

var cfgPath string

func main() {
	// All persisted timestamps and business-hour math run on UTC
	time.Local = time.UTC

	root := &cobra.Command{
		Use:           "livechat-router",
		Short:         "Realtime live-chat router and automated reply scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "directory holding default.yaml")

	root.AddCommand(
		roleCmd("serve", "Run the websocket router and the automation engine", roles{realtime: true}),
		roleCmd("worker", "Run the delayed-reply worker", roles{worker: true}),
		roleCmd("all", "Run router, automation engine and reply worker in one process", roles{realtime: true, worker: true}),
		seedDefaultsCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func roleCmd(use, short string, r roles) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), r)
		},
	}
}

func seedDefaultsCmd() *cobra.Command {
	var tenants []string
	cmd := &cobra.Command{
		Use:   "seed-defaults",
		Short: "Seed default auto-reply rules and business hours for tenants without settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return seedDefaults(cmd.Context(), tenants)
		},
	}
	cmd.Flags().StringSliceVar(&tenants, "tenant", nil, "tenant (site) id, repeatable")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("livechat-router %s\n", Version)
		},
	}
}
