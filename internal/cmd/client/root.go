package client

import (
	"github.com/spf13/cobra"
)

// NewRoot registers the client command set on a root Cobra command. The
// commands talk to a running loom server over its HTTP API.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "loom",
		Short: "Loom client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands attaches the client commands to an existing root.
func AddCommands(root *cobra.Command, baseURL BaseURLFunc) {
	root.AddCommand(
		NewTriggerCommand(baseURL),
		NewRunAllCommand(baseURL),
		NewStatsCommand(baseURL),
		NewHealthCommand(baseURL),
		NewUploadCommand(baseURL),
		NewRecordsCommand(baseURL),
	)
}
