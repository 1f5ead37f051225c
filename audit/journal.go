package audit

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tranchepool/native/vault"
)

// Entry is the persisted form of one committed ledger mutation. Amounts are
// stored as decimal strings because sqlite has no 256-bit integer column.
type Entry struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Operation         string    `gorm:"size:64;index"`
	Actor             string    `gorm:"size:64;index"`
	Tranche           string    `gorm:"size:16"`
	Reference         string    `gorm:"size:128;index"`
	Amount            string    `gorm:"size:96"`
	LoanBalance       string    `gorm:"size:96"`
	CashBalance       string    `gorm:"size:96"`
	ReservesBalance   string    `gorm:"size:96"`
	WithdrawalBalance string    `gorm:"size:96"`
	CreatedAt         time.Time `gorm:"index"`
}

// Journal is a sqlite-backed vault.AuditSink.
type Journal struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open initialises the journal at the provided sqlite DSN.
func Open(dsn string, log *slog.Logger) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("audit journal dsn required")
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate audit journal: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Journal{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record persists one committed mutation. The engine treats the journal as
// fire-and-forget, so persistence failures are logged rather than returned.
func (j *Journal) Record(entry vault.AuditEntry) {
	if j == nil || j.db == nil {
		return
	}
	row := Entry{
		ID:        uuid.New(),
		Operation: entry.Operation,
		Actor:     entry.Actor.Hex(),
		Tranche:   entry.Tranche,
		Reference: entry.Reference,
		CreatedAt: time.Now().UTC(),
	}
	if entry.Amount != nil {
		row.Amount = entry.Amount.String()
	}
	if entry.Balances != nil {
		if entry.Balances.TotalLoanBalance != nil {
			row.LoanBalance = entry.Balances.TotalLoanBalance.String()
		}
		if entry.Balances.TotalCashBalance != nil {
			row.CashBalance = entry.Balances.TotalCashBalance.String()
		}
		if entry.Balances.TotalReservesBalance != nil {
			row.ReservesBalance = entry.Balances.TotalReservesBalance.String()
		}
		if entry.Balances.TotalWithdrawalBalance != nil {
			row.WithdrawalBalance = entry.Balances.TotalWithdrawalBalance.String()
		}
	}
	if err := j.db.Create(&row).Error; err != nil {
		j.log.Error("audit journal write failed", "operation", entry.Operation, "error", err)
	}
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("audit journal not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	if err := j.db.Order("created_at desc, id desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}
	return entries, nil
}

// ByReference returns every entry touching one loan reference, oldest first.
func (j *Journal) ByReference(reference string) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("audit journal not configured")
	}
	var entries []Entry
	if err := j.db.Where("reference = ?", reference).Order("created_at asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}
	return entries, nil
}
