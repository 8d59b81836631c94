package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/indexsync/internal/client"
)

var (
	httpURL    string
	authToken  string
	tenantID   string
	jsonOutput bool

	apiClient client.Client
)

func defaultHTTPURL() string {
	if s := os.Getenv("INDEXSYNC_HTTP_URL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

var rootCmd = &cobra.Command{
	Use:   "indexsync <command>",
	Short: "Coordinate outbox-based search indexing across agents",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		apiClient = client.NewHTTPClient(httpURL, authToken)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			apiClient.Close()
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", defaultHTTPURL(), "HTTP server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("INDEXSYNC_AUTH_TOKEN"), "bearer token for the admin API")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "default", "tenant id")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "agents", Title: "Agents:"},
		&cobra.Group{ID: "indexing", Title: "Indexing:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Agents
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)

	// Indexing
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(massindexCmd)
	rootCmd.AddCommand(watchCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
