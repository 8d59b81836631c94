package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/indexsync/internal/indexwork"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [file]",
	Short: "Write index work from a JSON lines file into the tenant's outbox",
	Long: `Reads one JSON object per line, for example

  {"entity":"Book","id":"42","op":"update","document":{"title":"Dune"}}

and enqueues an outbox event for each line in a single transaction. Use "-"
or no argument to read from stdin.`,
	GroupID: "indexing",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "-"
		if len(args) == 1 {
			path = args[0]
		}
		works, err := readWorks(path)
		if err != nil {
			return err
		}
		if len(works) == 0 {
			return fmt.Errorf("%s: no index work found", path)
		}

		evs, err := apiClient.Enqueue(context.Background(), tenantID, works)
		if err != nil {
			return fmt.Errorf("enqueueing: %w", err)
		}
		if jsonOutput {
			return printJSON(evs)
		}
		fmt.Printf("Enqueued %d events for tenant %s\n", len(evs), tenantID)
		return nil
	},
}

// readWorks reads JSON lines from path, or from stdin when path is "-".
func readWorks(path string) ([]indexwork.Work, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	works, err := indexwork.ReadJSONL(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return works, nil
}
