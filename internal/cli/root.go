// Package cli implements the docgate command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/kilupskalvis/docgate/internal/client"
	"github.com/spf13/cobra"
)

var (
	serverURL   string
	serverToken string
	adminToken  string
)

var rootCmd = &cobra.Command{
	Use:   "docgate",
	Short: "Document mutation and retrieval gateway",
	Long: `docgate accepts document batches over HTTP, applies them to a search
index in submission order, and serves the committed documents back.

Run "docgate serve" to start the server. The documents, tasks and admin
commands talk to a running server.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(documentsCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(adminCmd)

	// Connection flags shared by every client command.
	for _, cmd := range []*cobra.Command{documentsCmd, tasksCmd, adminCmd} {
		cmd.PersistentFlags().StringVar(&serverURL, "url",
			envOrDefault("DOCGATE_URL", "http://127.0.0.1:7700"),
			"Server base URL (env: DOCGATE_URL)")
	}
	for _, cmd := range []*cobra.Command{documentsCmd, tasksCmd} {
		cmd.PersistentFlags().StringVar(&serverToken, "token",
			os.Getenv("DOCGATE_TOKEN"),
			"Bearer token (env: DOCGATE_TOKEN)")
	}
	adminCmd.PersistentFlags().StringVar(&adminToken, "admin-token",
		os.Getenv("DOCGATE_ADMIN_TOKEN"),
		"Admin token (env: DOCGATE_ADMIN_TOKEN)")
}

func newClient() *client.Client {
	return client.New(serverURL, serverToken)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
