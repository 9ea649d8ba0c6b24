package commands

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/moltbunker/usdstake/internal/chain"
)

func NewKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the signer key in the keyring",
		Long: `Move the signer key into the keyring selected by chain.signer_keyring
("system" when unset). The file keyring reads its passphrase from ` + chain.KeyringPasswordEnv + `.`,
	}

	importCmd := &cobra.Command{
		Use:   "import <key-file>",
		Short: "Store a hex-encoded private key file in the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := chain.LoadSignerKey(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ring, backend, err := chain.OpenKeyring(cfg.SignerKeyringConfig())
			if err != nil {
				return err
			}
			if err := chain.StoreSignerKey(ring, key); err != nil {
				return err
			}
			Success(cmd.OutOrStdout(), fmt.Sprintf("Stored signer %s in %s",
				crypto.PubkeyToAddress(key.PublicKey).Hex(), backend))
			return nil
		},
	}

	addressCmd := &cobra.Command{
		Use:   "address",
		Short: "Print the address of the stored signer key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ring, _, err := chain.OpenKeyring(cfg.SignerKeyringConfig())
			if err != nil {
				return err
			}
			key, err := chain.LoadSignerKeyFromKeyring(ring)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), crypto.PubkeyToAddress(key.PublicKey).Hex())
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the signer key from the keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ring, backend, err := chain.OpenKeyring(cfg.SignerKeyringConfig())
			if err != nil {
				return err
			}
			if err := chain.DeleteSignerKey(ring); err != nil {
				return err
			}
			Success(cmd.OutOrStdout(), "Removed signer key from "+backend)
			return nil
		},
	}

	cmd.AddCommand(importCmd, addressCmd, deleteCmd)
	return cmd
}
