package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbunker/usdstake/cmd/usdstake/commands"
)

var rootCmd = &cobra.Command{
	Use:           "usdstake",
	Short:         "USD-pegged ETH staking service",
	Long:          "Lock ETH collateral, receive reward tokens valued at the oracle's USD price, and withdraw after the lock period.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	commands.AddGlobalFlags(rootCmd)
}

func main() {
	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewStakeCmd())
	rootCmd.AddCommand(commands.NewWithdrawCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewHistoryCmd())
	rootCmd.AddCommand(commands.NewPriceCmd())
	rootCmd.AddCommand(commands.NewInfoCmd())
	rootCmd.AddCommand(commands.NewReconcileCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewKeyCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
