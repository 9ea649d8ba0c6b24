package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/moltbunker/usdstake/internal/chain"
	"github.com/moltbunker/usdstake/internal/idempotency"
	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/logging"
)

// IdempotencyHeader carries a client-chosen request key.
const IdempotencyHeader = "Idempotency-Key"

var (
	errBadRequest       = errors.New("invalid request")
	errDepositsDisabled = errors.New("deposit verification is not configured")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	c, err := s.auth.CreateChallenge(account)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ChallengeResponse{
		Account:   account.Hex(),
		Nonce:     c.Nonce,
		Message:   c.Message,
		ExpiresAt: c.ExpiresAt,
	})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if req.LockPeriodSeconds > uint64(math.MaxInt64/int64(time.Second)) {
		s.writeLedgerError(w, r, badRequest("lock_period_seconds too large"))
		return
	}
	lockPeriod := time.Duration(req.LockPeriodSeconds) * time.Second
	txHash, err := parseTxHash(req.TxHash)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if err := s.auth.Authorize(account, req.SigningText(), req.Signature); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	var res *ledger.StakeResult
	err = s.guarded(r, "stake", req.RequestID, func(ctx context.Context) error {
		return s.creditDeposit(ctx, account, amount, txHash, func() error {
			var opErr error
			res, opErr = s.staking.Stake(ctx, account, amount, lockPeriod)
			return opErr
		})
	})
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	ev := res.Event
	s.writeJSON(w, http.StatusCreated, StakedResponse{
		Event:             ev.Type,
		Account:           ev.Account.Hex(),
		Deposit:           ev.Deposit.Dec(),
		Minted:            ev.Minted.Dec(),
		LockPeriodSeconds: uint64(ev.LockPeriod / time.Second),
		Price:             ev.Price.Dec(),
		PriceDecimals:     ev.PriceDecimals,
		Timestamp:         ev.Timestamp,
		TotalLocked:       res.Record.Locked.Dec(),
		UnlockTime:        res.Record.UnlockTime(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	var amount *uint256.Int
	if req.Amount != "" {
		if amount, err = parseAmount(req.Amount); err != nil {
			s.writeLedgerError(w, r, err)
			return
		}
	}
	if err := s.auth.Authorize(account, req.SigningText(), req.Signature); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	var res *ledger.WithdrawResult
	err = s.guarded(r, "withdraw", req.RequestID, func(ctx context.Context) error {
		var opErr error
		if amount == nil {
			res, opErr = s.staking.Withdraw(ctx, account)
		} else {
			res, opErr = s.staking.WithdrawAmount(ctx, account, amount)
		}
		return opErr
	})
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	ev := res.Event
	s.writeJSON(w, http.StatusOK, WithdrawnResponse{
		Event:     ev.Type,
		Account:   ev.Account.Hex(),
		Returned:  ev.Returned.Dec(),
		Burned:    ev.Burned.Dec(),
		Timestamp: ev.Timestamp,
		Remaining: res.Record.Locked.Dec(),
	})
}

// creditDeposit verifies that txHash carried amount from account to the
// vault and claims it before running stake. The claim is dropped again when
// stake fails cleanly; a pending or uncompensated stake keeps it.
func (s *Server) creditDeposit(ctx context.Context, account common.Address, amount *uint256.Int, txHash common.Hash, stake func() error) error {
	if s.deposits == nil || s.credited == nil {
		return errDepositsDisabled
	}
	if err := s.deposits.VerifyDeposit(ctx, account, amount, txHash); err != nil {
		return err
	}
	if err := s.credited.ClaimDeposit(txHash, account); err != nil {
		return err
	}

	err := stake()
	if err != nil && !outcomeKept(err) {
		if relErr := s.credited.ReleaseDeposit(txHash); relErr != nil {
			logging.Warn("failed to release deposit claim",
				"tx_hash", txHash.Hex(),
				logging.Err(relErr),
				logging.Component("api"))
		}
	}
	return err
}

// outcomeKept reports whether a failed operation may still have moved funds.
func outcomeKept(err error) bool {
	return errors.Is(err, ledger.ErrSettlementPending) || errors.Is(err, ledger.ErrCompensationFailed)
}

// guarded runs op once per idempotency key. A failed op releases the key so
// the client may retry, unless funds may have moved.
func (s *Server) guarded(r *http.Request, op, bodyKey string, fn func(context.Context) error) error {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		key = bodyKey
	}
	ctx := r.Context()
	if key == "" || s.guard == nil {
		return fn(ctx)
	}

	scoped := op + ":" + key
	if err := s.guard.Acquire(ctx, scoped); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && !outcomeKept(err) {
		if relErr := s.guard.Release(context.WithoutCancel(ctx), scoped); relErr != nil {
			logging.Warn("failed to release idempotency key",
				"key", scoped,
				logging.Err(relErr),
				logging.Component("api"))
		}
	}
	return err
}

func (s *Server) handleStakeOf(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount(mux.Vars(r)["account"])
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	rec, err := s.staking.StakeOf(account)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	remaining, err := s.staking.RemainingLock(account)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	resp := StakeResponse{
		Account:              account.Hex(),
		Active:               !rec.IsZero(),
		Locked:               rec.Locked.Dec(),
		Minted:               rec.Minted.Dec(),
		LockPeriodSeconds:    uint64(rec.LockPeriod / time.Second),
		RemainingLockSeconds: uint64(remaining / time.Second),
	}
	if !rec.IsZero() {
		start, unlock := rec.StartTime, rec.UnlockTime()
		resp.StartTime = &start
		resp.UnlockTime = &unlock
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotImplemented, "journal_disabled", "event journal is not configured")
		return
	}
	account, err := parseAccount(mux.Vars(r)["account"])
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			s.writeLedgerError(w, r, badRequest("limit must be a positive integer"))
			return
		}
	}
	entries, err := s.journal.History(r.Context(), account.Hex(), limit)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{Account: account.Hex(), Entries: entries})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	p, err := s.staking.CurrentPrice(r.Context())
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	resp := PriceResponse{
		Price:     p.Answer.Dec(),
		Decimals:  p.Decimals,
		UpdatedAt: p.UpdatedAt,
	}
	if p.RoundID != nil {
		resp.RoundID = p.RoundID.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	policy := s.staking.Policy()
	resp := InfoResponse{
		LockPolicy:           string(policy.LockPolicy),
		MinLockPeriodSeconds: uint64(policy.MinLockPeriod / time.Second),
		WithdrawalMode:       string(policy.WithdrawalMode),
		TotalLocked:          s.staking.TotalLocked().Dec(),
		TotalMinted:          s.staking.TotalMinted().Dec(),
		Stakers:              s.staking.Stakers(),
	}

	if s.token != nil {
		info, err := s.token.Info(r.Context())
		if err != nil {
			logging.Warn("token info unavailable", logging.Err(err), logging.Component("api"))
		} else {
			resp.Token = &TokenResponse{
				Address:  info.Address.Hex(),
				Name:     info.Name,
				Symbol:   info.Symbol,
				Decimals: info.Decimals,
			}
			if info.TotalSupply != nil {
				resp.Token.TotalSupply = info.TotalSupply.Dec()
			}
		}
	}
	if s.feed != nil {
		info, err := s.feed.Info(r.Context())
		if err != nil {
			logging.Warn("feed info unavailable", logging.Err(err), logging.Component("api"))
		} else {
			resp.Feed = &FeedResponse{
				Address:     info.Address.Hex(),
				Description: info.Description,
				Decimals:    info.Decimals,
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.staking.Reconcile(r.Context())
	if err != nil && !(report != nil && errors.Is(err, ledger.ErrCustodyMismatch)) {
		s.writeLedgerError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ReconcileResponse{
		Custody:  report.Custody.Dec(),
		Locked:   report.Locked.Dec(),
		Surplus:  report.Surplus.Dec(),
		Balanced: err == nil,
	})
}

func parseAccount(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, badRequest("account %q is not a hex address", s)
	}
	return common.HexToAddress(s), nil
}

func parseTxHash(s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, badRequest("tx_hash is required")
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, badRequest("tx_hash %q is not a 32-byte hex hash", s)
	}
	return common.BytesToHash(b), nil
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, badRequest("amount is required")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, badRequest("amount %q: %v", s, err)
	}
	return v, nil
}

// readJSON decodes a size-limited request body in strict mode.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("malformed body: %v", err)
	}
	return nil
}

// statusFor maps an operation error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, idempotency.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, ErrChallengeRequired):
		return http.StatusUnauthorized, "challenge_required"
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, chain.ErrDepositMismatch):
		return http.StatusForbidden, "deposit_mismatch"
	case errors.Is(err, chain.ErrDepositNotReceived):
		return http.StatusConflict, "deposit_not_received"
	case errors.Is(err, errDepositsDisabled):
		return http.StatusServiceUnavailable, "deposits_disabled"
	}

	code := ledger.ErrorCode(err)
	switch code {
	case "insufficient_funds", "staking_period_too_short", "excessive_withdrawal", "withdrawal_mode_mismatch":
		return http.StatusBadRequest, code
	case "no_active_stake":
		return http.StatusNotFound, code
	case "lock_period_not_elapsed", "reentrant_call", "deposit_already_used":
		return http.StatusConflict, code
	case "oracle_unavailable":
		return http.StatusServiceUnavailable, code
	case "settlement_pending":
		return http.StatusGatewayTimeout, code
	case "arithmetic_overflow":
		return http.StatusUnprocessableEntity, code
	default:
		return http.StatusInternalServerError, code
	}
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError || status == http.StatusGatewayTimeout {
		logging.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"code", code,
			logging.Err(err),
			logging.Component("api"))
		if code == "internal" {
			msg = "internal error"
		}
	}
	s.writeError(w, status, code, msg)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
