package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forecourt/syncd/internal/config"
	"github.com/forecourt/syncd/pkg/client"
)

var resyncPort int

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Requeue failed operations on the running node",
	Long:  "Asks the local syncd server to return failed operations to the queue and start a sync cycle immediately.",
	RunE:  runResync,
}

func init() {
	resyncCmd.Flags().IntVar(&resyncPort, "port", 0,
		"Server port (overrides config and SYNCD_PORT)")
}

func runResync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	port := resyncPort
	if port == 0 {
		port = cfg.Server.Port
	}

	c, err := client.New(fmt.Sprintf("http://localhost:%d", port), cfg.Auth.APIKey)
	if err != nil {
		return err
	}

	n, err := c.TriggerResync(cmd.Context())
	if err != nil {
		return fmt.Errorf("contact local server: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "requeued %d failed operation(s)\n", n)
	return nil
}
