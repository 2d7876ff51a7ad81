package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/protocol"
)

func newNotifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify ENTITY SOURCE FOREIGN_ID",
		Short: "Send a CHANGE notification for one document",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			return runNotify(args[0], args[1], args[2])
		},
	}
}

func runNotify(entity, source, foreignID string) error {
	conn, err := dial()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", flagAddress, err)
	}
	defer conn.Close()

	body := protocol.EncodeChangeRequest(model.ChangeNotification{
		Entity:  idkey.EntityName(entity),
		Source:  idkey.SourceName(source),
		Foreign: foreignID,
	})

	if err := protocol.WriteRequest(conn, protocol.TagChange, body); err != nil {
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
