package commands

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbunker/usdstake/internal/api"
	"github.com/moltbunker/usdstake/internal/chain"
)

// loadWalletKey reads the staker's hex-encoded private key file. The key
// signs API requests and never leaves this process.
func loadWalletKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := chain.LoadSignerKey(path)
	if err != nil {
		return nil, fmt.Errorf("wallet key: %w", err)
	}
	return key, nil
}

func NewStakeCmd() *cobra.Command {
	var (
		lock      time.Duration
		requestID string
		walletKey string
		txHash    string
	)
	cmd := &cobra.Command{
		Use:   "stake <amount>",
		Short: "Lock collateral and mint reward tokens",
		Long: `Credit a deposit already sent to the vault. Amount is in wei, or in ether
with an "eth" suffix (e.g. 1.5eth), and must equal the value of the deposit
transaction given with --tx-hash. The account is the address of --wallet-key,
which must be the deposit's sender. The lock period is ignored when the daemon
runs the fixed lock policy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			key, err := loadWalletKey(walletKey)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), Timeout)
			defer cancel()

			var resp *api.StakedResponse
			err = WithSpinner(cmd.OutOrStdout(), "Staking", func() error {
				var err error
				resp, err = newClient().Stake(ctx, key, amount, txHash, lock, requestID)
				return err
			})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), resp, func(w io.Writer) {
				fmt.Fprint(w, StatusBox(w, "Staked", [][2]string{
					{"Account", resp.Account},
					{"Deposit", formatUnits(resp.Deposit, 18) + " ETH"},
					{"Minted", formatUnits(resp.Minted, 18)},
					{"Price", formatUnits(resp.Price, resp.PriceDecimals) + " USD"},
					{"Locked", formatUnits(resp.TotalLocked, 18) + " ETH"},
					{"Unlocks", resp.UnlockTime.Format(time.RFC3339)},
				}))
			})
		},
	}
	cmd.Flags().DurationVar(&lock, "lock", 180*24*time.Hour, "Lock period")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Idempotency key; repeating a request with the same key is rejected")
	cmd.Flags().StringVar(&walletKey, "wallet-key", "", "Hex private key file of the staking account")
	cmd.Flags().StringVar(&txHash, "tx-hash", "", "Hash of the transaction that sent the deposit to the vault")
	cmd.MarkFlagRequired("wallet-key")
	cmd.MarkFlagRequired("tx-hash")
	return cmd
}

func NewWithdrawCmd() *cobra.Command {
	var (
		amount    string
		requestID string
		walletKey string
	)
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Release collateral after the lock period",
		Long:  "Release the whole position, or part of it with --amount when the daemon allows partial withdrawals. The matching share of reward tokens is burned.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadWalletKey(walletKey)
			if err != nil {
				return err
			}
			var wei string
			if amount != "" {
				if wei, err = parseAmount(amount); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), Timeout)
			defer cancel()

			var resp *api.WithdrawnResponse
			err = WithSpinner(cmd.OutOrStdout(), "Withdrawing", func() error {
				var err error
				resp, err = newClient().WithdrawAmount(ctx, key, wei, requestID)
				return err
			})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), resp, func(w io.Writer) {
				printWithdrawn(w, resp)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "Amount to withdraw (default: everything)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Idempotency key")
	cmd.Flags().StringVar(&walletKey, "wallet-key", "", "Hex private key file of the staking account")
	cmd.MarkFlagRequired("wallet-key")
	return cmd
}

func printWithdrawn(w io.Writer, resp *api.WithdrawnResponse) {
	fmt.Fprint(w, StatusBox(w, "Withdrawn", [][2]string{
		{"Account", resp.Account},
		{"Returned", formatUnits(resp.Returned, 18) + " ETH"},
		{"Burned", formatUnits(resp.Burned, 18)},
		{"Remaining", formatUnits(resp.Remaining, 18) + " ETH"},
	}))
}
