package api

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/moltbunker/usdstake/internal/chain"
	"github.com/moltbunker/usdstake/internal/events"
	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/oracle"
)

// Staking is the ledger surface served over HTTP.
type Staking interface {
	Stake(ctx context.Context, account common.Address, deposit *uint256.Int, lockPeriod time.Duration) (*ledger.StakeResult, error)
	Withdraw(ctx context.Context, account common.Address) (*ledger.WithdrawResult, error)
	WithdrawAmount(ctx context.Context, account common.Address, amount *uint256.Int) (*ledger.WithdrawResult, error)
	StakeOf(account common.Address) (ledger.StakeRecord, error)
	RemainingLock(account common.Address) (time.Duration, error)
	CurrentPrice(ctx context.Context) (ledger.Price, error)
	TotalLocked() *uint256.Int
	TotalMinted() *uint256.Int
	Stakers() int
	Policy() ledger.Config
	Reconcile(ctx context.Context) (*ledger.ReconcileReport, error)
}

// TokenInfoProvider describes the reward token.
type TokenInfoProvider interface {
	Info(ctx context.Context) (*chain.TokenInfo, error)
}

// FeedInfoProvider describes the price feed.
type FeedInfoProvider interface {
	Info(ctx context.Context) (oracle.FeedInfo, error)
}

// History returns journaled events of an account.
type History interface {
	History(ctx context.Context, account string, limit int) ([]events.JournalEntry, error)
}

// DepositVerifier checks that a transaction moved a stake's collateral from
// the staker to the vault.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, account common.Address, amount *uint256.Int, txHash common.Hash) error
}

// DepositRegistry remembers which deposit transactions were credited.
type DepositRegistry interface {
	ClaimDeposit(txHash common.Hash, account common.Address) error
	ReleaseDeposit(txHash common.Hash) error
}

// ChallengeRequest is the body of POST /v1/auth/challenge.
type ChallengeRequest struct {
	Account string `json:"account"`
}

// ChallengeResponse carries the message an account signs before its next
// stake or withdraw.
type ChallengeResponse struct {
	Account   string    `json:"account"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StakeRequest is the body of POST /v1/stake. Amount is a base-10 wei
// string. TxHash is the transfer that sent Amount from Account to the vault.
// Signature is Account's personal_sign over its challenge and SigningText.
type StakeRequest struct {
	Account           string `json:"account"`
	Amount            string `json:"amount"`
	LockPeriodSeconds uint64 `json:"lock_period_seconds"`
	TxHash            string `json:"tx_hash"`
	RequestID         string `json:"request_id,omitempty"`
	Signature         string `json:"signature"`
}

// SigningText is the request part of the signed authorization message.
func (r StakeRequest) SigningText() string {
	return fmt.Sprintf("Operation: stake\nAccount: %s\nAmount: %s\nLock period: %d\nDeposit tx: %s\nRequest ID: %s",
		r.Account, r.Amount, r.LockPeriodSeconds, r.TxHash, r.RequestID)
}

// WithdrawRequest is the body of POST /v1/withdraw. An empty Amount
// withdraws the whole position.
type WithdrawRequest struct {
	Account   string `json:"account"`
	Amount    string `json:"amount,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Signature string `json:"signature"`
}

// SigningText is the request part of the signed authorization message.
func (r WithdrawRequest) SigningText() string {
	amount := r.Amount
	if amount == "" {
		amount = "all"
	}
	return fmt.Sprintf("Operation: withdraw\nAccount: %s\nAmount: %s\nRequest ID: %s",
		r.Account, amount, r.RequestID)
}

// StakedResponse mirrors the Staked event.
type StakedResponse struct {
	Event             string    `json:"event"`
	Account           string    `json:"account"`
	Deposit           string    `json:"deposit"`
	Minted            string    `json:"minted"`
	LockPeriodSeconds uint64    `json:"lock_period_seconds"`
	Price             string    `json:"price"`
	PriceDecimals     uint8     `json:"price_decimals"`
	Timestamp         time.Time `json:"timestamp"`
	TotalLocked       string    `json:"total_locked"`
	UnlockTime        time.Time `json:"unlock_time"`
}

// WithdrawnResponse mirrors the Withdrawn event.
type WithdrawnResponse struct {
	Event     string    `json:"event"`
	Account   string    `json:"account"`
	Returned  string    `json:"returned"`
	Burned    string    `json:"burned"`
	Timestamp time.Time `json:"timestamp"`
	Remaining string    `json:"remaining_locked"`
}

// StakeResponse is the body of GET /v1/stakes/{account}.
type StakeResponse struct {
	Account              string     `json:"account"`
	Active               bool       `json:"active"`
	Locked               string     `json:"locked"`
	Minted               string     `json:"minted"`
	LockPeriodSeconds    uint64     `json:"lock_period_seconds"`
	StartTime            *time.Time `json:"start_time,omitempty"`
	UnlockTime           *time.Time `json:"unlock_time,omitempty"`
	RemainingLockSeconds uint64     `json:"remaining_lock_seconds"`
}

// PriceResponse is the body of GET /v1/price.
type PriceResponse struct {
	Price     string    `json:"price"`
	Decimals  uint8     `json:"decimals"`
	RoundID   string    `json:"round_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenResponse describes the reward token.
type TokenResponse struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"total_supply"`
}

// FeedResponse describes the price feed.
type FeedResponse struct {
	Address     string `json:"address"`
	Description string `json:"description"`
	Decimals    uint8  `json:"decimals"`
}

// InfoResponse is the body of GET /v1/info.
type InfoResponse struct {
	Token                *TokenResponse `json:"token,omitempty"`
	Feed                 *FeedResponse  `json:"feed,omitempty"`
	LockPolicy           string         `json:"lock_policy"`
	MinLockPeriodSeconds uint64         `json:"min_lock_period_seconds"`
	WithdrawalMode       string         `json:"withdrawal_mode"`
	TotalLocked          string         `json:"total_locked"`
	TotalMinted          string         `json:"total_minted"`
	Stakers              int            `json:"stakers"`
}

// ReconcileResponse is the body of GET /v1/reconcile.
type ReconcileResponse struct {
	Custody  string `json:"custody"`
	Locked   string `json:"locked"`
	Surplus  string `json:"surplus"`
	Balanced bool   `json:"balanced"`
}

// HistoryResponse is the body of GET /v1/stakes/{account}/history.
type HistoryResponse struct {
	Account string                `json:"account"`
	Entries []events.JournalEntry `json:"entries"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
