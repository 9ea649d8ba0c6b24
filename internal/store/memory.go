package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/usdstake/internal/ledger"
)

// Memory keeps records in a map. Contents are lost on restart.
type Memory struct {
	mu       sync.RWMutex
	records  map[common.Address]ledger.StakeRecord
	deposits map[common.Hash]common.Address
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[common.Address]ledger.StakeRecord),
		deposits: make(map[common.Hash]common.Address),
	}
}

func (m *Memory) Get(account common.Address) (ledger.StakeRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[account]
	return rec, ok, nil
}

func (m *Memory) Put(account common.Address, rec ledger.StakeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[account] = rec
	return nil
}

func (m *Memory) Delete(account common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, account)
	return nil
}

// ForEach visits records in address order, matching the LevelDB backend.
func (m *Memory) ForEach(fn func(common.Address, ledger.StakeRecord) error) error {
	m.mu.RLock()
	accounts := make([]common.Address, 0, len(m.records))
	for a := range m.records {
		accounts = append(accounts, a)
	}
	snapshot := make(map[common.Address]ledger.StakeRecord, len(m.records))
	for a, r := range m.records {
		snapshot[a] = r
	}
	m.mu.RUnlock()

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Cmp(accounts[j]) < 0
	})
	for _, a := range accounts {
		if err := fn(a, snapshot[a]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) ClaimDeposit(txHash common.Hash, account common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.deposits[txHash]; ok {
		return fmt.Errorf("%w: %s credited to %s", ledger.ErrDepositUsed, txHash.Hex(), owner.Hex())
	}
	m.deposits[txHash] = account
	return nil
}

func (m *Memory) ReleaseDeposit(txHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deposits, txHash)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
