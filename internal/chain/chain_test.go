package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/moltbunker/usdstake/internal/ledger"
)

var staker = common.HexToAddress("0x3333333333333333333333333333333333333333")

func TestMockRewardTokenMintBurn(t *testing.T) {
	ctx := context.Background()
	token := NewMockRewardToken()
	if !token.IsMockMode() {
		t.Fatal("expected mock mode")
	}

	if err := token.Mint(ctx, staker, uint256.NewInt(3000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := token.Burn(ctx, staker, uint256.NewInt(1000)); err != nil {
		t.Fatalf("Burn: %v", err)
	}

	bal, err := token.BalanceOf(ctx, staker)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if bal.Uint64() != 2000 {
		t.Errorf("balance = %s, want 2000", bal.Dec())
	}
	supply, _ := token.TotalSupply(ctx)
	if supply.Uint64() != 2000 {
		t.Errorf("supply = %s, want 2000", supply.Dec())
	}

	err = token.Burn(ctx, staker, uint256.NewInt(5000))
	if !errors.Is(err, ErrBurnExceedsBalance) {
		t.Errorf("over-burn error = %v, want ErrBurnExceedsBalance", err)
	}
}

func TestMockRewardTokenFaults(t *testing.T) {
	ctx := context.Background()
	token := NewMockRewardToken()
	fault := errors.New("minter paused")

	token.InjectFault("mint", fault)
	if err := token.Mint(ctx, staker, uint256.NewInt(1)); !errors.Is(err, fault) {
		t.Fatalf("Mint error = %v, want injected fault", err)
	}
	bal, _ := token.BalanceOf(ctx, staker)
	if !bal.IsZero() {
		t.Error("failed mint must not change balance")
	}

	token.InjectFault("mint", nil)
	if err := token.Mint(ctx, staker, uint256.NewInt(1)); err != nil {
		t.Fatalf("Mint after clearing fault: %v", err)
	}
}

func TestMockRewardTokenInfo(t *testing.T) {
	info, err := NewMockRewardToken().Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Name != "MVPWorkshop" || info.Symbol != "MVP" || info.Decimals != 18 {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestMockVault(t *testing.T) {
	ctx := context.Background()
	vault := NewMockVault()

	if err := vault.Receive(ctx, staker, uint256.NewInt(10)); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := vault.Release(ctx, staker, uint256.NewInt(4)); err != nil {
		t.Fatalf("Release: %v", err)
	}

	bal, err := vault.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Uint64() != 6 {
		t.Errorf("custody = %s, want 6", bal.Dec())
	}
	if got := vault.Released(staker).Uint64(); got != 4 {
		t.Errorf("released = %d, want 4", got)
	}

	if err := vault.Release(ctx, staker, uint256.NewInt(7)); !errors.Is(err, ErrInsufficientCustody) {
		t.Errorf("over-release error = %v, want ErrInsufficientCustody", err)
	}

	fault := errors.New("release reverted")
	vault.InjectFault("release", fault)
	if err := vault.Release(ctx, staker, uint256.NewInt(1)); !errors.Is(err, fault) {
		t.Errorf("Release error = %v, want injected fault", err)
	}
}

func TestMockVaultVerifyDeposit(t *testing.T) {
	ctx := context.Background()
	vault := NewMockVault()
	other := common.HexToAddress("0x4444444444444444444444444444444444444444")
	hash := vault.RecordDeposit(staker, uint256.NewInt(10))

	tests := []struct {
		name    string
		account common.Address
		amount  uint64
		hash    common.Hash
		wantErr error
	}{
		{"matching", staker, 10, hash, nil},
		{"foreign sender", other, 10, hash, ErrDepositMismatch},
		{"wrong amount", staker, 11, hash, ErrDepositMismatch},
		{"missing hash", staker, 10, common.Hash{}, ErrDepositMismatch},
		{"unregistered hash", staker, 10, common.HexToHash("0x01"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vault.VerifyDeposit(ctx, tt.account, uint256.NewInt(tt.amount), tt.hash)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("VerifyDeposit: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("VerifyDeposit error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if vault.RecordDeposit(staker, uint256.NewInt(10)) == hash {
		t.Error("second deposit reused the first hash")
	}
}

func TestPendingTxErrorIsSettlementPending(t *testing.T) {
	hash := common.HexToHash("0xabc")
	var err error = &PendingTxError{Method: "release", Hash: hash, Err: context.Canceled}
	err = fmt.Errorf("failed to release collateral: %w", err)

	if !errors.Is(err, ledger.ErrSettlementPending) {
		t.Error("pending transaction does not match ErrSettlementPending")
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("cause lost")
	}
	var pending *PendingTxError
	if !errors.As(err, &pending) || pending.Hash != hash {
		t.Errorf("errors.As = %+v", pending)
	}
	if errors.Is(fmt.Errorf("%w: 0xabc", ErrTxReverted), ledger.ErrSettlementPending) {
		t.Error("a revert is a definite failure")
	}
}

func TestVaultSetAccounted(t *testing.T) {
	vault := NewMockVault()
	vault.SetAccounted(uint256.NewInt(42))
	bal, _ := vault.Balance(context.Background())
	if bal.Uint64() != 42 {
		t.Errorf("custody = %s, want 42", bal.Dec())
	}
}

func TestBindingsRequireConnectedClient(t *testing.T) {
	c := NewClient(DefaultClientConfig(), nil)
	if _, err := NewRewardToken(c, common.Address{}); err == nil {
		t.Error("expected error binding token without connection")
	}
	if _, err := NewVault(nil, common.Address{}); err == nil {
		t.Error("expected error binding vault without client")
	}
	if _, err := c.TransactOpts(context.Background()); err == nil {
		t.Error("expected error without signer key")
	}
}

func TestLoadSignerKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "signer.key")
	if err := crypto.SaveECDSA(path, key); err != nil {
		t.Fatalf("SaveECDSA: %v", err)
	}

	loaded, err := LoadSignerKey(path)
	if err != nil {
		t.Fatalf("LoadSignerKey: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey)
	if got := NewClient(DefaultClientConfig(), loaded).Address(); got != want {
		t.Errorf("address = %s, want %s", got.Hex(), want.Hex())
	}

	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSignerKey(path); err == nil {
		t.Error("expected error for malformed key")
	}
}
