package cli

import (
	"context"
	"strconv"

	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/spf13/cobra"
)

var (
	tasksFrom   uint64
	tasksLimit  int
	tasksStatus string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the tasks of an index",
}

var tasksListCmd = &cobra.Command{
	Use:   "list <index>",
	Short: "List tasks in id order",
	Args:  cobra.ExactArgs(1),
	Run:   runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <index> <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(2),
	Run:   runTasksShow,
}

func init() {
	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd)

	tasksListCmd.Flags().Uint64Var(&tasksFrom, "from", 0, "First task id")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", models.DefaultRetrieveLimit, "Maximum number of tasks")
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "Only tasks with this status (enqueued|processing|succeeded|failed)")
}

func runTasksList(_ *cobra.Command, args []string) {
	var status models.TaskStatus
	if tasksStatus != "" {
		st, ok := models.ParseTaskStatus(tasksStatus)
		if !ok {
			exitError("unknown status %q", tasksStatus)
		}
		status = st
	}

	list, err := newClient().ListTasks(context.Background(), args[0], tasksFrom, tasksLimit, status)
	if err != nil {
		exitError("%v", err)
	}
	for _, task := range list {
		printTask(task)
	}
}

func runTasksShow(_ *cobra.Command, args []string) {
	id, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		exitError("invalid task id %q", args[1])
	}
	task, err := newClient().GetTask(context.Background(), args[0], id)
	if err != nil {
		exitError("%v", err)
	}
	printTask(task)
}
