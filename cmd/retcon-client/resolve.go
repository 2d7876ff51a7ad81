package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/protocol"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve DIFF_ID OP_ID...",
		Short: "Accept the listed ops from a parked conflict",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runResolve(args[0], args[1:])
		},
	}
}

func runResolve(diffIDArg string, opIDArgs []string) error {
	diffID, err := strconv.ParseInt(diffIDArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid diff id %q: %w", diffIDArg, err)
	}

	opIDs := make([]model.DiffOpID, len(opIDArgs))

	for i, arg := range opIDArgs {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid op id %q: %w", arg, err)
		}

		opIDs[i] = model.DiffOpID(id)
	}

	conn, err := dial()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", flagAddress, err)
	}
	defer conn.Close()

	body := protocol.EncodeResolveRequest(model.DiffID(diffID), opIDs)

	if err := protocol.WriteRequest(conn, protocol.TagResolve, body); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	status, reply, err := protocol.ReadReply(conn)
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}

	if status != protocol.StatusOK {
		return wireError(reply)
	}

	fmt.Println("ok")

	return nil
}
