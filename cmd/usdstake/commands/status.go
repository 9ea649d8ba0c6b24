package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <account>",
		Short: "Show the position of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), Timeout)
			defer cancel()

			resp, err := newClient().StakeOf(ctx, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if !resp.Active {
					fmt.Fprint(w, StatusBox(w, "Stake", [][2]string{
						{"Account", resp.Account},
						{"Status", "no active stake"},
					}))
					return
				}
				fields := [][2]string{
					{"Account", resp.Account},
					{"Locked", formatUnits(resp.Locked, 18) + " ETH"},
					{"Minted", formatUnits(resp.Minted, 18)},
				}
				if resp.UnlockTime != nil {
					fields = append(fields, [2]string{"Unlocks", resp.UnlockTime.Format(time.RFC3339)})
				}
				if resp.RemainingLockSeconds > 0 {
					fields = append(fields, [2]string{"Remaining", (time.Duration(resp.RemainingLockSeconds) * time.Second).String()})
				} else {
					fields = append(fields, [2]string{"Status", "withdrawable"})
				}
				fmt.Fprint(w, StatusBox(w, "Stake", fields))
			})
		},
	}
}

func NewHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <account>",
		Short: "Show journaled stake events of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), Timeout)
			defer cancel()

			resp, err := newClient().History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if len(resp.Entries) == 0 {
					Warning(w, "no events for "+resp.Account)
					return
				}
				rows := make([][]string, 0, len(resp.Entries))
				for _, e := range resp.Entries {
					collateral, reward := e.Deposit, e.Minted
					if collateral == "" {
						collateral, reward = e.Returned, e.Burned
					}
					rows = append(rows, []string{
						e.EventTime.Format(time.RFC3339),
						e.EventType,
						formatUnits(collateral, 18),
						formatUnits(reward, 18),
					})
				}
				fmt.Fprint(w, RenderTable(w, []string{"TIME", "EVENT", "ETH", "TOKENS"}, rows))
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	return cmd
}
