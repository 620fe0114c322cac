package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/docgate/internal/client"
	"github.com/spf13/cobra"
)

var (
	tokenDesc       string
	tokenIndexes    []string
	tokenPermission string
	pruneIndex      string
	pruneOlderThan  time.Duration
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage tokens and tasks on a running server",
	Long:  "Commands that use the admin API of a running docgate server.",
}

var adminCreateTokenCmd = &cobra.Command{
	Use:   "create-token",
	Short: "Create a new authentication token",
	Args:  cobra.NoArgs,
	Run:   runAdminCreateToken,
}

var adminListTokensCmd = &cobra.Command{
	Use:   "list-tokens",
	Short: "List all authentication tokens",
	Args:  cobra.NoArgs,
	Run:   runAdminListTokens,
}

var adminDeleteTokenCmd = &cobra.Command{
	Use:   "delete-token <id>",
	Short: "Delete an authentication token",
	Args:  cobra.ExactArgs(1),
	Run:   runAdminDeleteToken,
}

var adminPruneCmd = &cobra.Command{
	Use:   "prune-tasks",
	Short: "Remove finished tasks older than a given age",
	Args:  cobra.NoArgs,
	Run:   runAdminPrune,
}

func init() {
	adminCmd.AddCommand(adminCreateTokenCmd, adminListTokensCmd, adminDeleteTokenCmd, adminPruneCmd)

	tf := adminCreateTokenCmd.Flags()
	tf.StringVar(&tokenDesc, "desc", "", "Token description")
	tf.StringArrayVar(&tokenIndexes, "index", nil,
		"Indexes to grant access to, repeat for multiple (default: *)")
	tf.StringVar(&tokenPermission, "permission", "ro", "Permission level: ro or rw")

	pf := adminPruneCmd.Flags()
	pf.StringVar(&pruneIndex, "index", "", "Only prune this index (default: all)")
	pf.DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Minimum age of pruned tasks")
}

// resolveAdminClient builds an AdminClient from the admin flag vars.
func resolveAdminClient() *client.AdminClient {
	if adminToken == "" {
		exitError("--admin-token or DOCGATE_ADMIN_TOKEN is required")
	}
	return client.NewAdminClient(serverURL, adminToken)
}

func runAdminCreateToken(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	indexes := tokenIndexes
	if len(indexes) == 0 {
		indexes = []string{"*"}
	}

	resp, err := c.CreateToken(context.Background(), tokenDesc, indexes, tokenPermission)
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println("Token created.")
	fmt.Printf("  ID:          %s\n", resp.ID)
	fmt.Printf("  Description: %s\n", resp.Description)
	fmt.Printf("  Indexes:     %s\n", strings.Join(resp.Indexes, ", "))
	fmt.Printf("  Permission:  %s\n", resp.Permission)
	fmt.Println()
	green.Printf("Token: %s\n", resp.Token)
	yellow.Println("Save this token, it will not be shown again.")
}

func runAdminListTokens(_ *cobra.Command, _ []string) {
	tokens, err := resolveAdminClient().ListTokens(context.Background())
	if err != nil {
		exitError("%v", err)
	}

	if len(tokens) == 0 {
		return
	}

	fmt.Printf("  %-16s  %-20s  %-16s  %s\n", "ID", "Description", "Indexes", "Permission")
	for _, t := range tokens {
		fmt.Printf("  %-16s  %-20s  %-16s  %s\n",
			t.ID,
			t.Description,
			strings.Join(t.Indexes, ","),
			t.Permission,
		)
	}
}

func runAdminDeleteToken(_ *cobra.Command, args []string) {
	if err := resolveAdminClient().DeleteToken(context.Background(), args[0]); err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Deleted token '%s'\n", args[0])
}

func runAdminPrune(_ *cobra.Command, _ []string) {
	result, err := resolveAdminClient().PruneTasks(context.Background(), pruneIndex, pruneOlderThan)
	if err != nil {
		exitError("%v", err)
	}
	color.New(color.FgGreen).Printf("Removed %d tasks", result.Removed)
	fmt.Printf(" finished before %s\n", result.Cutoff.Format(time.RFC3339))
}
