package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/moltbunker/usdstake/internal/logging"
)

// Reward token defaults for mock mode.
const (
	DefaultTokenName     = "MVPWorkshop"
	DefaultTokenSymbol   = "MVP"
	DefaultTokenDecimals = 18
)

// ErrBurnExceedsBalance is returned by the mock token when burning more
// than an account holds.
var ErrBurnExceedsBalance = errors.New("burn amount exceeds balance")

// TokenInfo describes the reward token.
type TokenInfo struct {
	Address     common.Address
	Name        string
	Symbol      string
	Decimals    uint8
	TotalSupply *uint256.Int
}

// RewardToken mints and burns the USD-denominated reward token. Without a
// connected client it runs in mock mode and keeps balances in memory.
type RewardToken struct {
	client       *Client
	contract     *bind.BoundContract
	contractAddr common.Address
	mockMode     bool

	infoMu   sync.Mutex
	decimals *uint8

	mockMu       sync.RWMutex
	mockBalances map[common.Address]*uint256.Int
	mockSupply   uint256.Int
	mockFaults   map[string]error
}

// NewRewardToken binds the token contract at addr.
func NewRewardToken(client *Client, addr common.Address) (*RewardToken, error) {
	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("connected client is required (use NewMockRewardToken for testing)")
	}

	parsedABI, err := abi.JSON(strings.NewReader(RewardTokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	eth := client.Backend()
	return &RewardToken{
		client:       client,
		contract:     bind.NewBoundContract(addr, parsedABI, eth, eth, eth),
		contractAddr: addr,
	}, nil
}

// NewMockRewardToken creates an in-memory token.
func NewMockRewardToken() *RewardToken {
	return &RewardToken{
		mockMode:     true,
		mockBalances: make(map[common.Address]*uint256.Int),
		mockFaults:   make(map[string]error),
	}
}

// IsMockMode returns whether running in mock mode.
func (t *RewardToken) IsMockMode() bool {
	return t.mockMode
}

// InjectFault makes every subsequent mock call to method ("mint" or
// "burn") fail with err. A nil err clears the fault.
func (t *RewardToken) InjectFault(method string, err error) {
	t.mockMu.Lock()
	defer t.mockMu.Unlock()
	if err == nil {
		delete(t.mockFaults, method)
		return
	}
	t.mockFaults[method] = err
}

// Mint issues amount to account and returns once the transaction is
// confirmed.
func (t *RewardToken) Mint(ctx context.Context, account common.Address, amount *uint256.Int) error {
	if t.mockMode {
		t.mockMu.Lock()
		defer t.mockMu.Unlock()
		if err := t.mockFaults["mint"]; err != nil {
			return err
		}
		bal := t.mockBalance(account)
		bal.Add(bal, amount)
		t.mockSupply.Add(&t.mockSupply, amount)
		logging.Debug("mock mint", logging.Account(account.Hex()), "amount", amount.Dec())
		return nil
	}

	if _, err := t.client.transact(ctx, t.contract, "mint", account, amount.ToBig()); err != nil {
		return fmt.Errorf("failed to mint: %w", err)
	}
	return nil
}

// Burn destroys amount held by account and returns once the transaction
// is confirmed.
func (t *RewardToken) Burn(ctx context.Context, account common.Address, amount *uint256.Int) error {
	if t.mockMode {
		t.mockMu.Lock()
		defer t.mockMu.Unlock()
		if err := t.mockFaults["burn"]; err != nil {
			return err
		}
		bal := t.mockBalance(account)
		if bal.Lt(amount) {
			return fmt.Errorf("%w: have %s, burning %s", ErrBurnExceedsBalance, bal.Dec(), amount.Dec())
		}
		bal.Sub(bal, amount)
		t.mockSupply.Sub(&t.mockSupply, amount)
		logging.Debug("mock burn", logging.Account(account.Hex()), "amount", amount.Dec())
		return nil
	}

	if _, err := t.client.transact(ctx, t.contract, "burn", account, amount.ToBig()); err != nil {
		return fmt.Errorf("failed to burn: %w", err)
	}
	return nil
}

// must be called with mockMu held for writing
func (t *RewardToken) mockBalance(account common.Address) *uint256.Int {
	bal, ok := t.mockBalances[account]
	if !ok {
		bal = new(uint256.Int)
		t.mockBalances[account] = bal
	}
	return bal
}

// BalanceOf returns the token balance of account.
func (t *RewardToken) BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error) {
	if t.mockMode {
		t.mockMu.RLock()
		defer t.mockMu.RUnlock()
		if bal, ok := t.mockBalances[account]; ok {
			return new(uint256.Int).Set(bal), nil
		}
		return new(uint256.Int), nil
	}

	v, err := t.callBig(ctx, "balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return v, nil
}

// TotalSupply returns the outstanding token supply.
func (t *RewardToken) TotalSupply(ctx context.Context) (*uint256.Int, error) {
	if t.mockMode {
		t.mockMu.RLock()
		defer t.mockMu.RUnlock()
		return new(uint256.Int).Set(&t.mockSupply), nil
	}

	v, err := t.callBig(ctx, "totalSupply")
	if err != nil {
		return nil, fmt.Errorf("failed to get total supply: %w", err)
	}
	return v, nil
}

// Decimals returns the token decimals. The on-chain value is read once.
func (t *RewardToken) Decimals(ctx context.Context) (uint8, error) {
	if t.mockMode {
		return DefaultTokenDecimals, nil
	}

	t.infoMu.Lock()
	defer t.infoMu.Unlock()
	if t.decimals != nil {
		return *t.decimals, nil
	}

	var result []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &result, "decimals"); err != nil {
		return 0, fmt.Errorf("failed to get decimals: %w", err)
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("empty decimals result")
	}
	d, ok := result[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", result[0])
	}
	t.decimals = &d
	return d, nil
}

// Info returns the token metadata and supply.
func (t *RewardToken) Info(ctx context.Context) (*TokenInfo, error) {
	decimals, err := t.Decimals(ctx)
	if err != nil {
		return nil, err
	}
	supply, err := t.TotalSupply(ctx)
	if err != nil {
		return nil, err
	}

	info := &TokenInfo{
		Address:     t.contractAddr,
		Name:        DefaultTokenName,
		Symbol:      DefaultTokenSymbol,
		Decimals:    decimals,
		TotalSupply: supply,
	}
	if t.mockMode {
		return info, nil
	}

	if info.Name, err = t.callString(ctx, "name"); err != nil {
		return nil, err
	}
	if info.Symbol, err = t.callString(ctx, "symbol"); err != nil {
		return nil, err
	}
	return info, nil
}

func (t *RewardToken) callBig(ctx context.Context, method string, args ...interface{}) (*uint256.Int, error) {
	var result []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &result, method, args...); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return new(uint256.Int), nil
	}
	b, ok := result[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, result[0])
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%s result overflows uint256", method)
	}
	return v, nil
}

func (t *RewardToken) callString(ctx context.Context, method string) (string, error) {
	var result []interface{}
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &result, method); err != nil {
		return "", fmt.Errorf("failed to get %s: %w", method, err)
	}
	if len(result) == 0 {
		return "", nil
	}
	s, _ := result[0].(string)
	return s, nil
}
