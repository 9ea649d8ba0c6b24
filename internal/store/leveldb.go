package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/moltbunker/usdstake/internal/ledger"
)

// stakePrefix namespaces stake records: stakePrefix || address.
// depositPrefix namespaces credited deposits: depositPrefix || tx hash,
// holding the staker address.
var (
	stakePrefix   = []byte("stake/")
	depositPrefix = []byte("deposit/")
)

var (
	writeOpt = opt.WriteOptions{Sync: true}
	readOpt  = opt.ReadOptions{}
	scanOpt  = opt.ReadOptions{DontFillCache: true}
)

// LevelDB stores records in a LevelDB database.
type LevelDB struct {
	db *leveldb.DB

	// claimMu makes the check and write of a deposit claim atomic.
	claimMu sync.Mutex
}

// OpenLevelDB opens or creates the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	if path == "" {
		return nil, errors.New("leveldb store requires a path")
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     8 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// NewLevelDB wraps an open database.
func NewLevelDB(db *leveldb.DB) *LevelDB {
	return &LevelDB{db: db}
}

func stakeKey(account common.Address) []byte {
	key := make([]byte, 0, len(stakePrefix)+common.AddressLength)
	return append(append(key, stakePrefix...), account.Bytes()...)
}

func (l *LevelDB) Get(account common.Address) (ledger.StakeRecord, bool, error) {
	data, err := l.db.Get(stakeKey(account), &readOpt)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ledger.StakeRecord{}, false, nil
	}
	if err != nil {
		return ledger.StakeRecord{}, false, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return ledger.StakeRecord{}, false, err
	}
	return rec, true, nil
}

func (l *LevelDB) Put(account common.Address, rec ledger.StakeRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("failed to encode stake record: %w", err)
	}
	return l.db.Put(stakeKey(account), data, &writeOpt)
}

func (l *LevelDB) Delete(account common.Address) error {
	return l.db.Delete(stakeKey(account), &writeOpt)
}

// ForEach visits records in key order, which is address order.
func (l *LevelDB) ForEach(fn func(common.Address, ledger.StakeRecord) error) error {
	it := l.db.NewIterator(util.BytesPrefix(stakePrefix), &scanOpt)
	defer it.Release()

	for it.Next() {
		key := it.Key()
		if len(key) != len(stakePrefix)+common.AddressLength {
			continue
		}
		rec, err := decodeRecord(it.Value())
		if err != nil {
			return err
		}
		if err := fn(common.BytesToAddress(key[len(stakePrefix):]), rec); err != nil {
			return err
		}
	}
	return it.Error()
}

func depositKey(txHash common.Hash) []byte {
	key := make([]byte, 0, len(depositPrefix)+common.HashLength)
	return append(append(key, depositPrefix...), txHash.Bytes()...)
}

func (l *LevelDB) ClaimDeposit(txHash common.Hash, account common.Address) error {
	l.claimMu.Lock()
	defer l.claimMu.Unlock()

	key := depositKey(txHash)
	owner, err := l.db.Get(key, &readOpt)
	if err == nil {
		return fmt.Errorf("%w: %s credited to %s", ledger.ErrDepositUsed, txHash.Hex(), common.BytesToAddress(owner).Hex())
	}
	if !errors.Is(err, leveldb.ErrNotFound) {
		return err
	}
	return l.db.Put(key, account.Bytes(), &writeOpt)
}

func (l *LevelDB) ReleaseDeposit(txHash common.Hash) error {
	l.claimMu.Lock()
	defer l.claimMu.Unlock()
	return l.db.Delete(depositKey(txHash), &writeOpt)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
