package api

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/usdstake/internal/logging"
)

// Wallet authentication errors.
var (
	ErrChallengeRequired = errors.New("no pending challenge for account")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// WalletAuth ties stake and withdraw requests to the key of the account they
// name. The account first asks for a challenge, then signs the challenge
// followed by the request text with EIP-191 personal_sign. A challenge is
// used up by the first request it authorizes.
type WalletAuth struct {
	mu         sync.Mutex
	challenges map[common.Address]*Challenge
	timeout    time.Duration
	now        func() time.Time
}

// Challenge is a pending authentication challenge.
type Challenge struct {
	Account   common.Address
	Nonce     string
	Message   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewWalletAuth creates a challenge issuer. Challenges expire after timeout.
func NewWalletAuth(timeout time.Duration) *WalletAuth {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &WalletAuth{
		challenges: make(map[common.Address]*Challenge),
		timeout:    timeout,
		now:        time.Now,
	}
}

// CreateChallenge returns the pending challenge of account, creating one
// when there is none. An unexpired challenge is returned unchanged so that
// asking again cannot invalidate a request being signed.
func (m *WalletAuth) CreateChallenge(account common.Address) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.cleanupExpiredLocked(now)
	if existing, ok := m.challenges[account]; ok {
		c := *existing
		return &c, nil
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonceHex := hex.EncodeToString(nonce)

	c := &Challenge{
		Account: account,
		Nonce:   nonceHex,
		Message: fmt.Sprintf("Sign this message to authorize a usdstake request.\n\nWallet: %s\nNonce: %s\nTimestamp: %d",
			strings.ToLower(account.Hex()), nonceHex, now.Unix()),
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
	}
	m.challenges[account] = c

	logging.Debug("wallet auth challenge created",
		logging.Account(account.Hex()),
		"expires_in", m.timeout.String(),
		logging.Component("api"))

	out := *c
	return &out, nil
}

// Authorize checks that signature is account's signature over its pending
// challenge followed by request, and consumes the challenge. A failed check
// leaves the challenge in place.
func (m *WalletAuth) Authorize(account common.Address, request, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[account]
	if !ok || !m.now().Before(c.ExpiresAt) {
		return ErrChallengeRequired
	}
	if err := VerifySignature(AuthorizationMessage(c.Message, request), signature, account); err != nil {
		return err
	}
	delete(m.challenges, account)
	return nil
}

// CleanupExpired removes expired challenges and returns how many were
// removed.
func (m *WalletAuth) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupExpiredLocked(m.now())
}

func (m *WalletAuth) cleanupExpiredLocked(now time.Time) int {
	var n int
	for account, c := range m.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(m.challenges, account)
			n++
		}
	}
	return n
}

// Pending returns the number of outstanding challenges.
func (m *WalletAuth) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.challenges)
}

// AuthorizationMessage is the text an account signs: its challenge, a blank
// line, then the request text.
func AuthorizationMessage(challenge, request string) string {
	return challenge + "\n\n" + request
}

// VerifySignature checks that signature is a personal_sign signature of
// message by claimed. V may be 0/1 or 27/28.
func VerifySignature(message, signature string, claimed common.Address) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: malformed hex: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != claimed {
		logging.Warn("wallet signature does not match account",
			"claimed", claimed.Hex(),
			"recovered", recovered.Hex(),
			logging.Component("api"))
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, recovered.Hex())
	}
	return nil
}

// SignMessage signs message with key the way wallets implement
// personal_sign, returning a 0x-prefixed signature with V of 27 or 28.
func SignMessage(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
