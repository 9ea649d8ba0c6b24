package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/logging"
	"github.com/moltbunker/usdstake/internal/util"
)

// ErrTxReverted is returned for a mined transaction whose receipt reports
// failure.
var ErrTxReverted = errors.New("transaction reverted")

// PendingTxError is returned when a transaction was sent but its receipt
// could not be confirmed. It matches ledger.ErrSettlementPending.
type PendingTxError struct {
	Method string
	Hash   common.Hash
	Err    error
}

func (e *PendingTxError) Error() string {
	return fmt.Sprintf("%s transaction %s unconfirmed: %v", e.Method, e.Hash.Hex(), e.Err)
}

func (e *PendingTxError) Unwrap() error { return e.Err }

func (e *PendingTxError) Is(target error) bool {
	return target == ledger.ErrSettlementPending
}

// ClientConfig holds RPC connection settings.
type ClientConfig struct {
	RPCURL             string
	ChainID            int64
	BlockConfirmations int
	GasLimitMultiplier float64
	MaxGasPrice        *big.Int
	ConfirmPoll        time.Duration
	Retry              util.RetryConfig
}

// DefaultClientConfig returns defaults for a local development node.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RPCURL:             "http://127.0.0.1:8545",
		ChainID:            31337,
		BlockConfirmations: 1,
		GasLimitMultiplier: 1.2,
		MaxGasPrice:        big.NewInt(100e9), // 100 gwei
		ConfirmPoll:        2 * time.Second,
		Retry:              util.DefaultRetryConfig(),
	}
}

// Client is a signing Ethereum JSON-RPC client shared by the token and
// vault bindings. Nonces are assigned locally so concurrent transactions
// from the service key do not collide.
type Client struct {
	config  ClientConfig
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	mu        sync.RWMutex
	eth       *ethclient.Client
	connected bool

	nonceMu      sync.Mutex
	pendingNonce uint64
}

// NewClient creates an unconnected client. key may be nil for read-only use.
func NewClient(config ClientConfig, key *ecdsa.PrivateKey) *Client {
	c := &Client{
		config:  config,
		key:     key,
		chainID: big.NewInt(config.ChainID),
	}
	if key != nil {
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// LoadSignerKey reads a hex-encoded secp256k1 private key from path.
func LoadSignerKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load signer key: %w", err)
	}
	return key, nil
}

// Connect dials the RPC endpoint, verifies the chain ID and initializes the
// local nonce.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	eth, err := util.RetryWithValue(ctx, c.config.Retry, "eth_dial", func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, c.config.RPCURL)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RPC %s: %w", logging.RedactString(c.config.RPCURL), err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Cmp(c.chainID) != 0 {
		eth.Close()
		return fmt.Errorf("chain ID mismatch: expected %d, got %d", c.chainID, chainID)
	}

	if c.key != nil {
		nonce, err := eth.PendingNonceAt(ctx, c.address)
		if err != nil {
			eth.Close()
			return fmt.Errorf("failed to get nonce: %w", err)
		}
		c.pendingNonce = nonce
	}

	c.eth = eth
	c.connected = true
	logging.Info("connected to chain",
		"chain_id", chainID.String(),
		"signer", c.address.Hex(),
		logging.Component("chain"))
	return nil
}

// Close closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.connected = false
}

// IsConnected reports whether Connect succeeded.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Backend returns the underlying ethclient, or nil when not connected.
func (c *Client) Backend() *ethclient.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eth
}

// Address returns the signer address.
func (c *Client) Address() common.Address {
	return c.address
}

// BalanceAt returns the native balance of account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	eth := c.Backend()
	if eth == nil {
		return nil, fmt.Errorf("not connected")
	}
	balance, err := util.RetryWithValue(ctx, c.config.Retry, "eth_getBalance", func() (*big.Int, error) {
		return eth.BalanceAt(ctx, account, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// TransactOpts returns signing options with the next local nonce and a
// capped gas price.
func (c *Client) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if c.key == nil {
		return nil, fmt.Errorf("no signer key configured")
	}
	eth := c.Backend()
	if eth == nil {
		return nil, fmt.Errorf("not connected")
	}

	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	if c.config.MaxGasPrice != nil && gasPrice.Cmp(c.config.MaxGasPrice) > 0 {
		gasPrice = c.config.MaxGasPrice
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = gasPrice

	c.nonceMu.Lock()
	auth.Nonce = new(big.Int).SetUint64(c.pendingNonce)
	c.pendingNonce++
	c.nonceMu.Unlock()

	return auth, nil
}

// WaitForTransaction waits until tx is mined with the configured number of
// confirmations. A reverted transaction is an error.
func (c *Client) WaitForTransaction(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	eth := c.Backend()
	if eth == nil {
		return nil, fmt.Errorf("not connected")
	}

	receipt, err := bind.WaitMined(ctx, eth, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for transaction: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
	}

	if c.config.BlockConfirmations <= 1 {
		return receipt, nil
	}
	target := receipt.BlockNumber.Uint64() + uint64(c.config.BlockConfirmations) - 1
	poll := c.config.ConfirmPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return receipt, ctx.Err()
		case <-ticker.C:
			current, err := eth.BlockNumber(ctx)
			if err != nil {
				continue
			}
			if current >= target {
				return receipt, nil
			}
		}
	}
}

// SyncNonce reloads the pending nonce from the node. Call it after a
// transaction failed to be sent so the next one does not leave a gap.
func (c *Client) SyncNonce(ctx context.Context) error {
	eth := c.Backend()
	if eth == nil {
		return fmt.Errorf("not connected")
	}
	nonce, err := eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}
	c.nonceMu.Lock()
	c.pendingNonce = nonce
	c.nonceMu.Unlock()
	return nil
}

// transact sends method on contract and waits for it to be confirmed. Once
// the transaction is sent, any failure other than a revert is a
// *PendingTxError.
func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) (*types.Receipt, error) {
	auth, err := c.TransactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction options: %w", err)
	}

	tx, err := contract.Transact(auth, method, args...)
	if err != nil {
		if serr := c.SyncNonce(ctx); serr != nil {
			logging.Warn("failed to resync nonce", "method", method, logging.Err(serr))
		}
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	logging.Debug("transaction sent", "method", method, "tx", tx.Hash().Hex())
	receipt, err := c.WaitForTransaction(ctx, tx)
	if err != nil && !errors.Is(err, ErrTxReverted) {
		logging.Warn("transaction outcome unknown",
			"method", method,
			"tx", tx.Hash().Hex(),
			logging.Err(err),
			logging.Component("chain"))
		return receipt, &PendingTxError{Method: method, Hash: tx.Hash(), Err: err}
	}
	return receipt, err
}
