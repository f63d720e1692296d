package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage the provider allow-list",
}

var providerAddCmd = &cobra.Command{
	Use:   "add <address>",
	Short: "Allow-list a deal provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		return getApp().AddProvider(cmd.Context(), addr)
	},
}

var providerRemoveCmd = &cobra.Command{
	Use:   "remove <address>",
	Short: "Remove a deal provider from the allow-list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		return getApp().RemoveProvider(cmd.Context(), addr)
	},
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address: %s", raw)
	}
	return common.HexToAddress(raw), nil
}

func init() {
	providerCmd.AddCommand(providerAddCmd)
	providerCmd.AddCommand(providerRemoveCmd)
}
