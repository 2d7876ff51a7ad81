package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/protocol"
)

func newListConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-conflicts",
		Short: "List unresolved conflicts parked by the reconciliation worker",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runListConflicts()
		},
	}
}

func runListConflicts() error {
	conn, err := dial()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", flagAddress, err)
	}
	defer conn.Close()

	if err := protocol.WriteRequest(conn, protocol.TagListConflicts, nil); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	status, reply, err := protocol.ReadReply(conn)
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}

	if status != protocol.StatusOK {
		return wireError(reply)
	}

	conflicts, err := protocol.DecodeListConflictsResponse(reply)
	if err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}

	if flagJSON {
		return printConflictsJSON(conflicts)
	}

	printConflictsTable(conflicts)

	return nil
}

func printConflictsJSON(conflicts []model.ConflictRecord) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(conflicts); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

func printConflictsTable(conflicts []model.ConflictRecord) {
	if len(conflicts) == 0 {
		fmt.Println("No unresolved conflicts.")
		return
	}

	headers := []string{"DIFF_ID", "ENTITY", "KEY", "CAUSE", "OPS", "UNRESOLVED"}
	rows := make([][]string, len(conflicts))

	for i, c := range conflicts {
		rows[i] = []string{
			fmt.Sprintf("%d", c.DiffID),
			string(c.InternalKey.Entity),
			fmt.Sprintf("%d", c.InternalKey.ID),
			string(c.Cause),
			fmt.Sprintf("%d", len(c.Ops)),
			fmt.Sprintf("%d", len(c.Unresolved())),
		}
	}

	printTable(headers, rows)
}
