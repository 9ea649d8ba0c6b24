package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type memStore struct {
	mu      sync.RWMutex
	records map[common.Address]StakeRecord
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[common.Address]StakeRecord)}
}

func (s *memStore) Get(account common.Address) (StakeRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[account]
	return rec, ok, nil
}

func (s *memStore) Put(account common.Address, rec StakeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.records[account] = rec
	return nil
}

func (s *memStore) Delete(account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, account)
	return nil
}

func (s *memStore) ForEach(fn func(common.Address, StakeRecord) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for a, r := range s.records {
		if err := fn(a, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

type fakeOracle struct {
	mu    sync.Mutex
	price Price
	err   error
}

func newFakeOracle(answer uint64, decimals uint8) *fakeOracle {
	return &fakeOracle{price: Price{Answer: uint256.NewInt(answer), Decimals: decimals}}
}

func (o *fakeOracle) LatestPrice(context.Context) (Price, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return Price{}, o.err
	}
	p := o.price
	p.Answer = new(uint256.Int).Set(o.price.Answer)
	return p, nil
}

func (o *fakeOracle) set(answer uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price.Answer = uint256.NewInt(answer)
}

type fakeIssuer struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
	mintErr  error
	burnErr  error
	// mintFailAfter makes every mint after the first n fail with mintErr.
	mintFailAfter int
	mints         int
	onMint        func(ctx context.Context)
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{balances: make(map[common.Address]*uint256.Int), mintFailAfter: -1}
}

func (f *fakeIssuer) Mint(ctx context.Context, account common.Address, amount *uint256.Int) error {
	if f.onMint != nil {
		f.onMint(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mints++
	if f.mintErr != nil && (f.mintFailAfter < 0 || f.mints > f.mintFailAfter) {
		return f.mintErr
	}
	bal := f.balance(account)
	bal.Add(bal, amount)
	return nil
}

func (f *fakeIssuer) Burn(_ context.Context, account common.Address, amount *uint256.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.burnErr != nil {
		return f.burnErr
	}
	bal := f.balance(account)
	if bal.Lt(amount) {
		return errors.New("burn exceeds balance")
	}
	bal.Sub(bal, amount)
	return nil
}

func (f *fakeIssuer) balance(account common.Address) *uint256.Int {
	bal, ok := f.balances[account]
	if !ok {
		bal = new(uint256.Int)
		f.balances[account] = bal
	}
	return bal
}

func (f *fakeIssuer) balanceOf(account common.Address) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance(account).Uint64()
}

type fakeVault struct {
	mu         sync.Mutex
	custody    uint256.Int
	released   map[common.Address]*uint256.Int
	receiveErr error
	releaseErr error
	onReceive  func(ctx context.Context)
	// afterRelease runs once the collateral has moved; its error is
	// returned from Release.
	afterRelease func(ctx context.Context) error
}

func newFakeVault() *fakeVault {
	return &fakeVault{released: make(map[common.Address]*uint256.Int)}
}

func (v *fakeVault) Receive(ctx context.Context, _ common.Address, amount *uint256.Int) error {
	if v.onReceive != nil {
		v.onReceive(ctx)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.receiveErr != nil {
		return v.receiveErr
	}
	v.custody.Add(&v.custody, amount)
	return nil
}

func (v *fakeVault) Release(ctx context.Context, account common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.releaseErr != nil {
		return v.releaseErr
	}
	v.custody.Sub(&v.custody, amount)
	got, ok := v.released[account]
	if !ok {
		got = new(uint256.Int)
		v.released[account] = got
	}
	got.Add(got, amount)
	if v.afterRelease != nil {
		return v.afterRelease(ctx)
	}
	return nil
}

func (v *fakeVault) Balance(context.Context) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(uint256.Int).Set(&v.custody), nil
}

func (v *fakeVault) releasedTo(account common.Address) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if got, ok := v.released[account]; ok {
		return got.Uint64()
	}
	return 0
}

type fakeSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *fakeSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *fakeSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type countingRecorder struct {
	nopRecorder
	mu            sync.Mutex
	outcomes      map[string]int
	eventFailures int
	lastStakers   int
	lastLockedWei uint64
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: make(map[string]int)}
}

func (r *countingRecorder) RecordOperation(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[op+"/"+outcome]++
}

func (r *countingRecorder) RecordTotals(locked, _ *uint256.Int, stakers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLockedWei = locked.Uint64()
	r.lastStakers = stakers
}

func (r *countingRecorder) RecordEventFailure(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventFailures++
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
