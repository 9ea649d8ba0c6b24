package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func NewPriceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price",
		Short: "Show the current oracle price",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), Timeout)
			defer cancel()

			resp, err := newClient().Price(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), resp, func(w io.Writer) {
				fmt.Fprint(w, StatusBox(w, "ETH / USD", [][2]string{
					{"Price", formatUnits(resp.Price, resp.Decimals) + " USD"},
					{"Round", resp.RoundID},
					{"Updated", resp.UpdatedAt.Format(time.RFC3339)},
				}))
			})
		},
	}
}

func NewInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show token, feed and staking policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), Timeout)
			defer cancel()

			resp, err := newClient().Info(ctx)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), resp, func(w io.Writer) {
				var fields [][2]string
				if t := resp.Token; t != nil {
					fields = append(fields,
						[2]string{"Token", fmt.Sprintf("%s (%s) %s", t.Name, t.Symbol, FormatAddress(t.Address))},
						[2]string{"Supply", formatUnits(t.TotalSupply, t.Decimals)})
				}
				if f := resp.Feed; f != nil {
					fields = append(fields, [2]string{"Feed", f.Description + " " + FormatAddress(f.Address)})
				}
				fields = append(fields,
					[2]string{"Lock policy", resp.LockPolicy},
					[2]string{"Minimum lock", (time.Duration(resp.MinLockPeriodSeconds) * time.Second).String()},
					[2]string{"Withdrawal", resp.WithdrawalMode},
					[2]string{"Locked", formatUnits(resp.TotalLocked, 18) + " ETH"},
					[2]string{"Minted", formatUnits(resp.TotalMinted, 18)},
					[2]string{"Stakers", strconv.Itoa(resp.Stakers)},
				)
				fmt.Fprint(w, StatusBox(w, "Staking", fields))
			})
		},
	}
}

func NewReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare vault custody with locked collateral",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), Timeout)
			defer cancel()

			resp, err := newClient().Reconcile(ctx)
			if err != nil {
				return err
			}
			if err := printResult(cmd.OutOrStdout(), resp, func(w io.Writer) {
				fmt.Fprint(w, StatusBox(w, "Custody", [][2]string{
					{"Custody", formatUnits(resp.Custody, 18) + " ETH"},
					{"Locked", formatUnits(resp.Locked, 18) + " ETH"},
					{"Surplus", formatUnits(resp.Surplus, 18) + " ETH"},
				}))
				if resp.Balanced {
					Success(w, "vault covers locked collateral")
				}
			}); err != nil {
				return err
			}
			if !resp.Balanced {
				return fmt.Errorf("custody is below locked collateral")
			}
			return nil
		},
	}
}
