package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/docgate/internal/models"
	"github.com/spf13/cobra"
)

var (
	docsPrimaryKey string
	docsMerge      bool
	docsWait       bool
	docsOffset     int
	docsLimit      int
	docsAttributes []string
)

var documentsCmd = &cobra.Command{
	Use:     "documents",
	Aliases: []string{"docs"},
	Short:   "Add, fetch and delete documents",
}

var documentsAddCmd = &cobra.Command{
	Use:   "add <index> [file]",
	Short: "Add or update documents from a JSON file",
	Long: `Send a JSON array of documents (or a single object) to an index.
Reads standard input when no file is given.

By default documents replace existing ones with the same id. With --merge
their fields are merged into the existing documents instead.

Examples:
  docgate documents add movies movies.json
  cat patch.json | docgate documents add movies --merge --wait`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runDocumentsAdd,
}

var documentsGetCmd = &cobra.Command{
	Use:   "get <index> [id]",
	Short: "Print one document or a page of documents",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runDocumentsGet,
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <index> <id>...",
	Short: "Delete documents by id",
	Args:  cobra.MinimumNArgs(2),
	Run:   runDocumentsDelete,
}

var documentsClearCmd = &cobra.Command{
	Use:   "clear <index>",
	Short: "Delete every document of an index",
	Args:  cobra.ExactArgs(1),
	Run:   runDocumentsClear,
}

func init() {
	documentsCmd.AddCommand(documentsAddCmd, documentsGetCmd, documentsDeleteCmd, documentsClearCmd)

	documentsAddCmd.Flags().StringVar(&docsPrimaryKey, "primary-key", "", "Primary key field, when the index has none yet")
	documentsAddCmd.Flags().BoolVar(&docsMerge, "merge", false, "Merge fields into existing documents instead of replacing them")

	for _, cmd := range []*cobra.Command{documentsAddCmd, documentsDeleteCmd, documentsClearCmd} {
		cmd.Flags().BoolVar(&docsWait, "wait", false, "Wait for the task to finish")
	}

	documentsGetCmd.Flags().IntVar(&docsOffset, "offset", 0, "Number of documents to skip")
	documentsGetCmd.Flags().IntVar(&docsLimit, "limit", models.DefaultRetrieveLimit, "Maximum number of documents")
	documentsGetCmd.Flags().StringSliceVar(&docsAttributes, "fields", nil, "Fields to return (default: all)")
}

func runDocumentsAdd(_ *cobra.Command, args []string) {
	var r io.Reader = os.Stdin
	if len(args) == 2 {
		f, err := os.Open(args[1])
		if err != nil {
			exitError("%v", err)
		}
		defer f.Close()
		r = f
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		exitError("read documents: %v", err)
	}

	method := models.MethodReplace
	if docsMerge {
		method = models.MethodMerge
	}

	ctx := context.Background()
	handle, err := newClient().AddDocuments(ctx, args[0], method, payload, docsPrimaryKey)
	if err != nil {
		exitError("%v", err)
	}
	reportTask(ctx, handle)
}

func runDocumentsGet(_ *cobra.Command, args []string) {
	ctx := context.Background()
	c := newClient()

	var out any
	if len(args) == 2 {
		doc, err := c.GetDocument(ctx, args[0], args[1], docsAttributes)
		if err != nil {
			exitError("%v", err)
		}
		out = doc
	} else {
		docs, err := c.ListDocuments(ctx, args[0], docsOffset, docsLimit, docsAttributes)
		if err != nil {
			exitError("%v", err)
		}
		out = docs
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		exitError("%v", err)
	}
	fmt.Println(string(data))
}

func runDocumentsDelete(_ *cobra.Command, args []string) {
	ctx := context.Background()
	c := newClient()

	uid, ids := args[0], args[1:]
	if len(ids) == 1 {
		handle, err := c.DeleteDocument(ctx, uid, ids[0])
		if err != nil {
			exitError("%v", err)
		}
		reportTask(ctx, handle)
		return
	}

	batch := make([]any, len(ids))
	for i, id := range ids {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			batch[i] = n
		} else {
			batch[i] = id
		}
	}
	handle, err := c.DeleteDocuments(ctx, uid, batch)
	if err != nil {
		exitError("%v", err)
	}
	reportTask(ctx, handle)
}

func runDocumentsClear(_ *cobra.Command, args []string) {
	ctx := context.Background()
	handle, err := newClient().ClearDocuments(ctx, args[0])
	if err != nil {
		exitError("%v", err)
	}
	reportTask(ctx, handle)
}

// reportTask prints an accepted task and, with --wait, its outcome.
func reportTask(ctx context.Context, handle *models.TaskHandle) {
	yellow := color.New(color.FgYellow)
	yellow.Printf("task %d ", handle.TaskID)
	fmt.Printf("%s on %s: %s\n", handle.Type, handle.IndexUID, handle.Status)

	if !docsWait {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	task, err := newClient().WaitTask(ctx, handle.IndexUID, handle.TaskID, 200*time.Millisecond)
	if err != nil {
		exitError("%v", err)
	}
	printTask(task)
	if task.Status == models.TaskFailed {
		os.Exit(1)
	}
}

func printTask(task *models.Task) {
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	yellow.Printf("task %d", task.ID)
	fmt.Printf(" %s ", task.Type)
	switch task.Status {
	case models.TaskSucceeded:
		green.Print(task.Status)
	case models.TaskFailed:
		red.Print(task.Status)
	default:
		fmt.Print(task.Status)
	}
	fmt.Println()

	var details []string
	d := task.Details
	if d.ReceivedDocuments > 0 {
		details = append(details, fmt.Sprintf("received %d", d.ReceivedDocuments))
	}
	if d.IndexedDocuments > 0 {
		details = append(details, fmt.Sprintf("indexed %d", d.IndexedDocuments))
	}
	if d.ProvidedIDs > 0 {
		details = append(details, fmt.Sprintf("provided %d ids", d.ProvidedIDs))
	}
	if d.DeletedDocuments > 0 {
		details = append(details, fmt.Sprintf("deleted %d", d.DeletedDocuments))
	}
	if d.PrimaryKey != "" {
		details = append(details, "primary key "+d.PrimaryKey)
	}
	if len(details) > 0 {
		fmt.Printf("    %s\n", strings.Join(details, ", "))
	}
	if task.Error != nil {
		var buf bytes.Buffer
		buf.WriteString(task.Error.Code + ": " + task.Error.Message)
		if task.Error.Document != nil {
			fmt.Fprintf(&buf, " (document %d)", *task.Error.Document)
		}
		red.Printf("    %s\n", buf.String())
	}
}
