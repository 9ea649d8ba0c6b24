package events

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/logging"
)

// JournalEntry is one row of the stake journal.
type JournalEntry struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Seq               uint64    `gorm:"not null" json:"seq"`
	EventType         string    `gorm:"type:varchar(16);not null" json:"type"`
	Account           string    `gorm:"type:char(42);index;not null" json:"account"`
	Deposit           string    `gorm:"type:varchar(78)" json:"deposit,omitempty"`
	Minted            string    `gorm:"type:varchar(78)" json:"minted,omitempty"`
	LockPeriodSeconds uint64    `json:"lock_period_seconds,omitempty"`
	Price             string    `gorm:"type:varchar(78)" json:"price,omitempty"`
	PriceDecimals     uint8     `json:"price_decimals,omitempty"`
	Returned          string    `gorm:"type:varchar(78)" json:"returned,omitempty"`
	Burned            string    `gorm:"type:varchar(78)" json:"burned,omitempty"`
	EventTime         time.Time `gorm:"index;not null" json:"event_time"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (JournalEntry) TableName() string {
	return "stake_journal"
}

func newJournalEntry(msg Message) JournalEntry {
	return JournalEntry{
		Seq:               msg.Seq,
		EventType:         msg.Type,
		Account:           msg.Account,
		Deposit:           msg.Deposit,
		Minted:            msg.Minted,
		LockPeriodSeconds: msg.LockPeriodSeconds,
		Price:             msg.Price,
		PriceDecimals:     msg.PriceDecimals,
		Returned:          msg.Returned,
		Burned:            msg.Burned,
		EventTime:         time.Unix(msg.Timestamp, 0).UTC(),
	}
}

// Journal appends every event to a MySQL table and serves account history.
type Journal struct {
	db *gorm.DB
}

// OpenJournal connects to MySQL and migrates the journal table.
func OpenJournal(dsn string) (*Journal, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", logging.RedactString(dsn), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&JournalEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate stake journal: %w", err)
	}
	logging.Info("stake journal ready", logging.Component("events"))
	return NewJournal(db), nil
}

// NewJournal wraps an open gorm handle.
func NewJournal(db *gorm.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) Publish(ctx context.Context, ev ledger.Event) error {
	entry := newJournalEntry(NewMessage(ev))
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// History returns up to limit most recent entries for account, newest
// first.
func (j *Journal) History(ctx context.Context, account string, limit int) ([]JournalEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []JournalEntry
	err := j.db.WithContext(ctx).
		Where("account = ?", account).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	return entries, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
