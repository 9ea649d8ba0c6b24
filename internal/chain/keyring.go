package chain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/99designs/keyring"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	keyringServiceName = "usdstake"
	signerKeyItem      = "signer-key"

	// KeyringPasswordEnv holds the passphrase of the file keyring.
	KeyringPasswordEnv = "USDSTAKE_KEYRING_PASSWORD"
)

// Keyring backends accepted by OpenKeyring.
const (
	KeyringSystem = "system"
	KeyringFile   = "file"
)

// ErrNoSignerKey is returned when the keyring holds no signer key.
var ErrNoSignerKey = errors.New("no signer key in keyring")

// KeyringConfig selects where the signer key is kept.
type KeyringConfig struct {
	Backend  string // KeyringSystem or KeyringFile
	FileDir  string
	Password string // file backend passphrase; empty reads KeyringPasswordEnv
}

// OpenKeyring opens the configured keyring and returns a human-readable
// backend name.
func OpenKeyring(cfg KeyringConfig) (keyring.Keyring, string, error) {
	kc := keyring.Config{
		ServiceName:                    keyringServiceName,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
	}

	var name string
	switch cfg.Backend {
	case KeyringFile:
		if cfg.FileDir == "" {
			return nil, "", errors.New("file keyring requires a directory")
		}
		password := cfg.Password
		if password == "" {
			password = os.Getenv(KeyringPasswordEnv)
		}
		if password == "" {
			return nil, "", fmt.Errorf("file keyring requires %s", KeyringPasswordEnv)
		}
		kc.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
		kc.FileDir = cfg.FileDir
		kc.FilePasswordFunc = keyring.FixedStringPrompt(password)
		name = "encrypted file " + cfg.FileDir
	case KeyringSystem, "":
		kc.AllowedBackends = systemBackends()
		if len(kc.AllowedBackends) == 0 {
			return nil, "", fmt.Errorf("no system keyring on %s", runtime.GOOS)
		}
		name = systemBackendName()
	default:
		return nil, "", fmt.Errorf("unknown keyring backend %q", cfg.Backend)
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open keyring: %w", err)
	}
	return ring, name, nil
}

// StoreSignerKey saves key in ring, replacing any previous key.
func StoreSignerKey(ring keyring.Keyring, key *ecdsa.PrivateKey) error {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	err := ring.Set(keyring.Item{
		Key:         signerKeyItem,
		Data:        []byte(hex.EncodeToString(crypto.FromECDSA(key))),
		Label:       "usdstake signer key",
		Description: "Signs mint, burn and release transactions for " + addr.Hex(),
	})
	if err != nil {
		return fmt.Errorf("failed to store signer key: %w", err)
	}
	return nil
}

// LoadSignerKeyFromKeyring reads the signer key saved by StoreSignerKey.
func LoadSignerKeyFromKeyring(ring keyring.Keyring) (*ecdsa.PrivateKey, error) {
	item, err := ring.Get(signerKeyItem)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoSignerKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signer key: %w", err)
	}
	key, err := crypto.HexToECDSA(string(item.Data))
	if err != nil {
		return nil, fmt.Errorf("keyring holds an invalid signer key: %w", err)
	}
	return key, nil
}

// DeleteSignerKey removes the signer key. Deleting a missing key is not an
// error.
func DeleteSignerKey(ring keyring.Keyring) error {
	err := ring.Remove(signerKeyItem)
	if errors.Is(err, keyring.ErrKeyNotFound) || os.IsNotExist(err) {
		return nil
	}
	return err
}

func systemBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		return []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
		}
	case "windows":
		return []keyring.BackendType{keyring.WinCredBackend}
	default:
		return nil
	}
}

func systemBackendName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "linux":
		return "Secret Service"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "system keyring"
	}
}
