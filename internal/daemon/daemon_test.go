package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/usdstake/internal/chain"
	"github.com/moltbunker/usdstake/internal/client"
	"github.com/moltbunker/usdstake/internal/config"
	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/store"
	"github.com/moltbunker/usdstake/internal/util"
)

var (
	accountKey, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	account       = crypto.PubkeyToAddress(accountKey.PublicKey).Hex()
)

func depositHash(n byte) string {
	return common.BytesToHash([]byte{n}).Hex()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Daemon.DataDir = dir
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.Ledger.LockPolicy = string(ledger.LockPolicyCaller)
	cfg.Ledger.MinLockPeriod = "1h"
	cfg.Ledger.WithdrawalMode = string(ledger.WithdrawalPartial)
	cfg.Store.Path = filepath.Join(dir, "stakes")
	cfg.Oracle.Retries = 0
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*Daemon, *client.Client) {
	t.Helper()
	d, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		d.Close()
		t.Fatalf("Start: %v", err)
	}
	c := client.New("http://"+d.Addr(), client.WithRetry(util.RetryConfig{Attempts: 1}))
	return d, c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.LockPolicy = "sometimes"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for invalid lock policy")
	}
}

func TestNewFailsWithoutSignerKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chain.Mock = false
	cfg.Oracle.FeedAddress = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"
	cfg.Token.Address = "0x1111111111111111111111111111111111111111"
	cfg.Vault.Address = "0x2222222222222222222222222222222222222222"
	cfg.Chain.SignerKeyFile = filepath.Join(t.TempDir(), "missing.key")

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for missing signer key")
	}
}

func TestStakeThroughAPI(t *testing.T) {
	d, c := startDaemon(t, testConfig(t))
	defer d.Close()
	ctx := context.Background()

	staked, err := c.Stake(ctx, accountKey, "1000000000000000000", depositHash(1), 2*time.Hour, "first")
	if err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if staked.Minted != "3000000000000000000000" {
		t.Errorf("minted = %s", staked.Minted)
	}

	if _, err := c.Stake(ctx, accountKey, "1000000000000000000", depositHash(1), 2*time.Hour, "first"); !client.IsCode(err, "duplicate_request") {
		t.Errorf("replayed stake: %v", err)
	}
	if _, err := c.Stake(ctx, accountKey, "1000000000000000000", depositHash(1), 2*time.Hour, "second"); !client.IsCode(err, "deposit_already_used") {
		t.Errorf("reused deposit: %v", err)
	}

	pos, err := c.StakeOf(ctx, account)
	if err != nil {
		t.Fatalf("StakeOf: %v", err)
	}
	if !pos.Active || pos.Locked != "1000000000000000000" {
		t.Errorf("position = %+v", pos)
	}

	if _, err := c.Withdraw(ctx, accountKey, ""); !client.IsCode(err, "lock_period_not_elapsed") {
		t.Errorf("early withdraw: %v", err)
	}

	info, err := c.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Stakers != 1 || info.LockPolicy != "caller" {
		t.Errorf("info = %+v", info)
	}

	rep, err := c.Reconcile(ctx)
	if err != nil || !rep.Balanced {
		t.Errorf("reconcile = %+v, %v", rep, err)
	}

	h, err := c.Health(ctx)
	if err != nil || h.Status != "healthy" {
		t.Errorf("health = %+v, %v", h, err)
	}

	if _, err := c.History(ctx, account, 10); !client.IsCode(err, "journal_disabled") {
		t.Errorf("history without journal: %v", err)
	}
}

func TestLevelDBSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = store.BackendLevelDB

	d, c := startDaemon(t, cfg)
	if _, err := c.Stake(context.Background(), accountKey, "500", depositHash(7), time.Hour, ""); err != nil {
		d.Close()
		t.Fatalf("Stake: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	if d.Ledger().Stakers() != 1 || d.Ledger().TotalLocked().Uint64() != 500 {
		t.Errorf("restored stakers=%d locked=%s", d.Ledger().Stakers(), d.Ledger().TotalLocked().Dec())
	}
	if err := d.store.ClaimDeposit(common.HexToHash(depositHash(7)), common.HexToAddress(account)); !errors.Is(err, ledger.ErrDepositUsed) {
		t.Errorf("credited deposit forgotten across restart: %v", err)
	}
	// the mock vault is seeded with restored collateral
	if _, err := d.Ledger().Reconcile(context.Background()); err != nil {
		t.Errorf("Reconcile after restart: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d, _ := startDaemon(t, testConfig(t))
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	d, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for strings.HasSuffix(d.Addr(), ":0") {
		if time.Now().After(deadline) {
			t.Fatal("server never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

type recordingSink struct {
	deadline  time.Time
	cancelled bool
}

func (r *recordingSink) Publish(ctx context.Context, _ ledger.Event) error {
	r.deadline, _ = ctx.Deadline()
	r.cancelled = ctx.Err() != nil
	return nil
}

func TestTimeoutSinkDetachesCancellation(t *testing.T) {
	inner := &recordingSink{}
	sink := newTimeoutSink(inner, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Publish(ctx, ledger.Event{}); err != nil {
		t.Fatal(err)
	}
	if inner.cancelled {
		t.Error("publish saw the caller's cancellation")
	}
	if time.Until(inner.deadline) <= 0 || time.Until(inner.deadline) > time.Minute {
		t.Errorf("deadline = %v", inner.deadline)
	}
}

func TestLoadSignerFromFileKeyring(t *testing.T) {
	t.Setenv(chain.KeyringPasswordEnv, "test-passphrase")
	cfg := testConfig(t)
	cfg.Chain.SignerKeyring = chain.KeyringFile
	cfg.Chain.KeyringDir = filepath.Join(t.TempDir(), "keyring")

	if _, err := loadSigner(cfg); !errors.Is(err, chain.ErrNoSignerKey) {
		t.Fatalf("empty keyring err = %v, want ErrNoSignerKey", err)
	}

	ring, _, err := chain.OpenKeyring(cfg.SignerKeyringConfig())
	if err != nil {
		t.Fatal(err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := chain.StoreSignerKey(ring, key); err != nil {
		t.Fatal(err)
	}

	got, err := loadSigner(cfg)
	if err != nil {
		t.Fatalf("loadSigner: %v", err)
	}
	if crypto.PubkeyToAddress(got.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Error("loaded a different key")
	}
}
