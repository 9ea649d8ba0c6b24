package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/usdstake/internal/chain"
)

// AggregatorV3ABI is the read side of a Chainlink AggregatorV3Interface.
const AggregatorV3ABI = `[
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"description","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"version","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	]}
]`

// RoundData is one aggregator round as returned by latestRoundData.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       *big.Int
	UpdatedAt       *big.Int
	AnsweredInRound *big.Int
}

// Source reads raw rounds from a price aggregator.
type Source interface {
	LatestRoundData(ctx context.Context) (RoundData, error)
	Decimals(ctx context.Context) (uint8, error)
	Description(ctx context.Context) (string, error)
	Address() common.Address
}

// AggregatorSource reads a deployed Chainlink aggregator.
type AggregatorSource struct {
	contract *bind.BoundContract
	addr     common.Address
}

// NewAggregatorSource binds the aggregator at addr.
func NewAggregatorSource(client *chain.Client, addr common.Address) (*AggregatorSource, error) {
	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("connected client is required (use NewMockAggregator for testing)")
	}
	parsedABI, err := abi.JSON(strings.NewReader(AggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse aggregator ABI: %w", err)
	}
	eth := client.Backend()
	return &AggregatorSource{
		contract: bind.NewBoundContract(addr, parsedABI, eth, eth, eth),
		addr:     addr,
	}, nil
}

// Address returns the aggregator address.
func (s *AggregatorSource) Address() common.Address {
	return s.addr
}

// LatestRoundData calls latestRoundData.
func (s *AggregatorSource) LatestRoundData(ctx context.Context) (RoundData, error) {
	var result []interface{}
	if err := s.contract.Call(&bind.CallOpts{Context: ctx}, &result, "latestRoundData"); err != nil {
		return RoundData{}, fmt.Errorf("failed to call latestRoundData: %w", err)
	}
	if len(result) != 5 {
		return RoundData{}, fmt.Errorf("latestRoundData returned %d values", len(result))
	}

	var round RoundData
	fields := []**big.Int{&round.RoundID, &round.Answer, &round.StartedAt, &round.UpdatedAt, &round.AnsweredInRound}
	for i, dst := range fields {
		v, ok := result[i].(*big.Int)
		if !ok {
			return RoundData{}, fmt.Errorf("latestRoundData value %d has type %T", i, result[i])
		}
		*dst = v
	}
	return round, nil
}

// Decimals calls decimals.
func (s *AggregatorSource) Decimals(ctx context.Context) (uint8, error) {
	var result []interface{}
	if err := s.contract.Call(&bind.CallOpts{Context: ctx}, &result, "decimals"); err != nil {
		return 0, fmt.Errorf("failed to call decimals: %w", err)
	}
	if len(result) == 0 {
		return 0, fmt.Errorf("empty decimals result")
	}
	d, ok := result[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", result[0])
	}
	return d, nil
}

// Description calls description.
func (s *AggregatorSource) Description(ctx context.Context) (string, error) {
	var result []interface{}
	if err := s.contract.Call(&bind.CallOpts{Context: ctx}, &result, "description"); err != nil {
		return "", fmt.Errorf("failed to call description: %w", err)
	}
	if len(result) == 0 {
		return "", nil
	}
	desc, _ := result[0].(string)
	return desc, nil
}

// MockAggregator is an in-memory aggregator for development and tests.
// Each UpdateAnswer starts a new round stamped with the current time.
type MockAggregator struct {
	mu          sync.RWMutex
	decimals    uint8
	description string
	round       RoundData
	err         error
	now         func() time.Time
}

// NewMockAggregator creates a mock aggregator with an initial answer.
func NewMockAggregator(decimals uint8, initialAnswer *big.Int) *MockAggregator {
	m := &MockAggregator{
		decimals:    decimals,
		description: "ETH / USD",
		now:         time.Now,
	}
	m.UpdateAnswer(initialAnswer)
	return m
}

// SetClock replaces the time used to stamp rounds.
func (m *MockAggregator) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// UpdateAnswer publishes a new round.
func (m *MockAggregator) UpdateAnswer(answer *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := big.NewInt(1)
	if m.round.RoundID != nil {
		next.Add(m.round.RoundID, big.NewInt(1))
	}
	ts := big.NewInt(m.now().Unix())
	m.round = RoundData{
		RoundID:         next,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       ts,
		UpdatedAt:       new(big.Int).Set(ts),
		AnsweredInRound: new(big.Int).Set(next),
	}
}

// SetRound replaces the latest round verbatim.
func (m *MockAggregator) SetRound(round RoundData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.round = round
}

// SetError makes every read fail with err until cleared with nil.
func (m *MockAggregator) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// LatestRoundData returns the latest mock round.
func (m *MockAggregator) LatestRoundData(ctx context.Context) (RoundData, error) {
	if err := ctx.Err(); err != nil {
		return RoundData{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return RoundData{}, m.err
	}
	return RoundData{
		RoundID:         copyBig(m.round.RoundID),
		Answer:          copyBig(m.round.Answer),
		StartedAt:       copyBig(m.round.StartedAt),
		UpdatedAt:       copyBig(m.round.UpdatedAt),
		AnsweredInRound: copyBig(m.round.AnsweredInRound),
	}, nil
}

// Decimals returns the configured decimals.
func (m *MockAggregator) Decimals(context.Context) (uint8, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.decimals, nil
}

// Description returns the feed description.
func (m *MockAggregator) Description(context.Context) (string, error) {
	return m.description, nil
}

// Address returns the zero address; the mock is not deployed.
func (m *MockAggregator) Address() common.Address {
	return common.Address{}
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
