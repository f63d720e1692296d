package cli

import (
	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Control the batch lifecycle",
}

var batchOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open the current batch for deal submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().OpenBatch(cmd.Context())
	},
}

var batchCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the current batch and advance the counter",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CloseBatch(cmd.Context())
	},
}

func init() {
	batchCmd.AddCommand(batchOpenCmd)
	batchCmd.AddCommand(batchCloseCmd)
}
