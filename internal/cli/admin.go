package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause all state-changing operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetPaused(cmd.Context(), true)
	},
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "Resume state-changing operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetPaused(cmd.Context(), false)
	},
}

var cooldownCmd = &cobra.Command{
	Use:   "cooldown <seconds>",
	Short: "Set the per-address rate-limit window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seconds, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid seconds value: %w", err)
		}
		return getApp().SetCooldown(cmd.Context(), seconds)
	},
}
