package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/moltbunker/usdstake/internal/logging"
)

// ErrDepositNotReceived is returned when the vault's on-chain balance does
// not cover a deposit being accepted.
var ErrDepositNotReceived = errors.New("deposit not received by vault")

// ErrInsufficientCustody is returned when releasing more than the vault holds.
var ErrInsufficientCustody = errors.New("insufficient custody balance")

// ErrDepositMismatch is returned when a deposit transaction is not a
// successful transfer of the staked amount from the staker to the vault.
var ErrDepositMismatch = errors.New("deposit transaction does not match stake")

type mockDeposit struct {
	from   common.Address
	amount uint256.Int
}

// Vault is the custody of staked collateral. Depositors send ETH to the
// vault address in their own transaction; Receive checks the vault balance
// covers every deposit accepted so far, and Release pays collateral back
// through the vault contract.
type Vault struct {
	client       *Client
	contract     *bind.BoundContract
	contractAddr common.Address
	mockMode     bool

	mu sync.Mutex
	// accounted is the collateral the vault is known to hold for stakers.
	accounted uint256.Int

	mockReleased map[common.Address]*uint256.Int
	mockFaults   map[string]error
	mockDeposits map[common.Hash]mockDeposit
	mockNonce    uint64
}

// NewVault binds the custody contract at addr.
func NewVault(client *Client, addr common.Address) (*Vault, error) {
	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("connected client is required (use NewMockVault for testing)")
	}

	parsedABI, err := abi.JSON(strings.NewReader(VaultABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}

	eth := client.Backend()
	return &Vault{
		client:       client,
		contract:     bind.NewBoundContract(addr, parsedABI, eth, eth, eth),
		contractAddr: addr,
	}, nil
}

// NewMockVault creates an in-memory vault.
func NewMockVault() *Vault {
	return &Vault{
		mockMode:     true,
		mockReleased: make(map[common.Address]*uint256.Int),
		mockFaults:   make(map[string]error),
		mockDeposits: make(map[common.Hash]mockDeposit),
	}
}

// IsMockMode returns whether running in mock mode.
func (v *Vault) IsMockMode() bool {
	return v.mockMode
}

// Address returns the custody contract address.
func (v *Vault) Address() common.Address {
	return v.contractAddr
}

// SetAccounted seeds the collateral already held for existing stakes,
// typically the ledger's locked total at startup.
func (v *Vault) SetAccounted(total *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accounted.Set(total)
}

// InjectFault makes every subsequent mock call to method ("receive",
// "release" or "verify") fail with err. A nil err clears the fault.
func (v *Vault) InjectFault(method string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.mockFaults, method)
		return
	}
	v.mockFaults[method] = err
}

// Receive accepts custody of amount for account.
func (v *Vault) Receive(ctx context.Context, account common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	next, overflow := new(uint256.Int).AddOverflow(&v.accounted, amount)
	if overflow {
		return fmt.Errorf("custody total overflows")
	}

	if v.mockMode {
		if err := v.mockFaults["receive"]; err != nil {
			return err
		}
		v.accounted.Set(next)
		return nil
	}

	balance, err := v.onChainBalance(ctx)
	if err != nil {
		return err
	}
	if balance.Lt(next) {
		return fmt.Errorf("%w: vault holds %s, expected at least %s", ErrDepositNotReceived, balance.Dec(), next.Dec())
	}
	v.accounted.Set(next)
	logging.Debug("vault accepted deposit", logging.Account(account.Hex()), "amount", amount.Dec())
	return nil
}

// RecordDeposit registers a mock transfer of amount from account to the
// vault and returns its transaction hash.
func (v *Vault) RecordDeposit(account common.Address, amount *uint256.Int) common.Hash {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mockNonce++
	hash := crypto.Keccak256Hash(account.Bytes(), uint256.NewInt(v.mockNonce).Bytes())
	v.mockDeposits[hash] = mockDeposit{from: account, amount: *amount}
	return hash
}

// VerifyDeposit checks that txHash is a successful transfer of exactly
// amount from account to the vault, confirmed by the configured number of
// blocks. In mock mode a hash registered with RecordDeposit must match;
// any other hash is taken as a matching transfer.
func (v *Vault) VerifyDeposit(ctx context.Context, account common.Address, amount *uint256.Int, txHash common.Hash) error {
	if txHash == (common.Hash{}) {
		return fmt.Errorf("%w: missing transaction hash", ErrDepositMismatch)
	}

	if v.mockMode {
		v.mu.Lock()
		defer v.mu.Unlock()
		if err := v.mockFaults["verify"]; err != nil {
			return err
		}
		d, ok := v.mockDeposits[txHash]
		if !ok {
			return nil
		}
		if d.from != account {
			return fmt.Errorf("%w: %s was sent by %s", ErrDepositMismatch, txHash.Hex(), d.from.Hex())
		}
		if !d.amount.Eq(amount) {
			return fmt.Errorf("%w: %s carries %s, staking %s", ErrDepositMismatch, txHash.Hex(), d.amount.Dec(), amount.Dec())
		}
		return nil
	}

	eth := v.client.Backend()
	if eth == nil {
		return fmt.Errorf("not connected")
	}
	tx, pending, err := eth.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: %s not found", ErrDepositNotReceived, txHash.Hex())
	}
	if err != nil {
		return fmt.Errorf("failed to fetch deposit transaction: %w", err)
	}
	if pending {
		return fmt.Errorf("%w: %s is pending", ErrDepositNotReceived, txHash.Hex())
	}

	if to := tx.To(); to == nil || *to != v.contractAddr {
		return fmt.Errorf("%w: %s is not addressed to the vault", ErrDepositMismatch, txHash.Hex())
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return fmt.Errorf("failed to recover deposit sender: %w", err)
	}
	if from != account {
		return fmt.Errorf("%w: %s was sent by %s", ErrDepositMismatch, txHash.Hex(), from.Hex())
	}
	value, overflow := uint256.FromBig(tx.Value())
	if overflow || !value.Eq(amount) {
		return fmt.Errorf("%w: %s carries %s wei, staking %s", ErrDepositMismatch, txHash.Hex(), tx.Value(), amount.Dec())
	}

	receipt, err := eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("failed to fetch deposit receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s reverted", ErrDepositMismatch, txHash.Hex())
	}
	if n := v.client.config.BlockConfirmations; n > 1 {
		head, err := eth.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to read block number: %w", err)
		}
		if head+1 < receipt.BlockNumber.Uint64()+uint64(n) {
			return fmt.Errorf("%w: %s has fewer than %d confirmations", ErrDepositNotReceived, txHash.Hex(), n)
		}
	}
	return nil
}

// Release sends amount of collateral to account and returns once the
// transaction is confirmed.
func (v *Vault) Release(ctx context.Context, account common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.mockMode {
		if err := v.mockFaults["release"]; err != nil {
			return err
		}
		if v.accounted.Lt(amount) {
			return fmt.Errorf("%w: holds %s, releasing %s", ErrInsufficientCustody, v.accounted.Dec(), amount.Dec())
		}
		v.accounted.Sub(&v.accounted, amount)
		got, ok := v.mockReleased[account]
		if !ok {
			got = new(uint256.Int)
			v.mockReleased[account] = got
		}
		got.Add(got, amount)
		return nil
	}

	if _, err := v.client.transact(ctx, v.contract, "release", account, amount.ToBig()); err != nil {
		return fmt.Errorf("failed to release collateral: %w", err)
	}
	if v.accounted.Lt(amount) {
		v.accounted.Clear()
	} else {
		v.accounted.Sub(&v.accounted, amount)
	}
	return nil
}

// Balance returns the collateral in custody: the on-chain vault balance,
// or the accounted total in mock mode.
func (v *Vault) Balance(ctx context.Context) (*uint256.Int, error) {
	if v.mockMode {
		v.mu.Lock()
		defer v.mu.Unlock()
		return new(uint256.Int).Set(&v.accounted), nil
	}
	return v.onChainBalance(ctx)
}

// Released returns the collateral paid out to account in mock mode.
func (v *Vault) Released(account common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if got, ok := v.mockReleased[account]; ok {
		return new(uint256.Int).Set(got)
	}
	return new(uint256.Int)
}

func (v *Vault) onChainBalance(ctx context.Context) (*uint256.Int, error) {
	b, err := v.client.BalanceAt(ctx, v.contractAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault balance: %w", err)
	}
	bal, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("vault balance overflows uint256")
	}
	return bal, nil
}
