package main

import (
	"net"
	"net/url"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	flagAddress string
	flagJSON    bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "retcon-client",
		Short:         "Talk to a running retcond over its request/reply socket",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagAddress, "address", "tcp://127.0.0.1:60179", "retcond server address")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")

	cmd.AddCommand(newNotifyCmd())
	cmd.AddCommand(newListConflictsCmd())
	cmd.AddCommand(newResolveCmd())

	return cmd
}

// dial opens a connection to --address, parsed as a "tcp://host:port" URL
// the same way internal/server.Listen parses its address (spec §6).
func dial() (net.Conn, error) {
	u, err := url.Parse(flagAddress)
	if err != nil {
		return nil, err
	}

	return net.Dial("tcp", u.Host)
}
