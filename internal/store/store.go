// Package store persists stake records and the deposit transactions already
// credited to them. Two backends are provided: an in-memory map for tests
// and mock deployments, and LevelDB for a daemon that must survive restarts.
package store

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/moltbunker/usdstake/internal/ledger"
)

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
)

// Store is a ledger.Store that also remembers credited deposits and owns
// resources.
type Store interface {
	ledger.Store
	DepositRegistry
	Close() error
}

// DepositRegistry records deposit transactions so each is credited once.
type DepositRegistry interface {
	// ClaimDeposit marks txHash as credited to account. A hash that is
	// already claimed fails with ledger.ErrDepositUsed.
	ClaimDeposit(txHash common.Hash, account common.Address) error
	// ReleaseDeposit forgets a claim whose stake did not happen.
	ReleaseDeposit(txHash common.Hash) error
}

// Open creates the backend named kind. path is used by LevelDB only.
func Open(kind, path string) (Store, error) {
	switch kind {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendLevelDB:
		return OpenLevelDB(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %q", kind)
	}
}

// storedRecord is the on-disk form of a ledger.StakeRecord.
type storedRecord struct {
	Locked     *big.Int
	Minted     *big.Int
	LockPeriod uint64 // seconds
	StartTime  uint64 // unix seconds
}

func encodeRecord(rec ledger.StakeRecord) ([]byte, error) {
	return rlp.EncodeToBytes(&storedRecord{
		Locked:     rec.Locked.ToBig(),
		Minted:     rec.Minted.ToBig(),
		LockPeriod: uint64(rec.LockPeriod / time.Second),
		StartTime:  uint64(rec.StartTime.Unix()),
	})
}

func decodeRecord(data []byte) (ledger.StakeRecord, error) {
	var s storedRecord
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return ledger.StakeRecord{}, fmt.Errorf("failed to decode stake record: %w", err)
	}

	var rec ledger.StakeRecord
	if overflow := rec.Locked.SetFromBig(s.Locked); overflow {
		return ledger.StakeRecord{}, fmt.Errorf("locked amount overflows uint256")
	}
	if overflow := rec.Minted.SetFromBig(s.Minted); overflow {
		return ledger.StakeRecord{}, fmt.Errorf("minted amount overflows uint256")
	}
	rec.LockPeriod = time.Duration(s.LockPeriod) * time.Second
	rec.StartTime = time.Unix(int64(s.StartTime), 0).UTC()
	return rec, nil
}
