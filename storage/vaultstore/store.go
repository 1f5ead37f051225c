package vaultstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"tranchepool/native/vault"
)

const (
	trancheKeyPrefix    = "tranche:"
	loanKeyPrefix       = "loan:"
	sharesKeyPrefix     = "shares:"
	redemptionKeyPrefix = "redeem:"
	balancesKey         = "balances"
)

// Store provides a LevelDB-backed vault.LedgerState implementation. Records
// are stored as JSON under typed key prefixes.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the ledger database at the provided path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve ledger store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) get(key string, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("ledger store not configured")
	}
	raw, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(key string, value interface{}) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not configured")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), raw, nil); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func trancheKey(id vault.TrancheID) string {
	return fmt.Sprintf("%s%d", trancheKeyPrefix, id)
}

func depositorKey(prefix string, id vault.TrancheID, depositor common.Address) string {
	return fmt.Sprintf("%s%d:%s", prefix, id, depositor.Hex())
}

// GetTranche loads one tranche record, or nil when absent.
func (s *Store) GetTranche(id vault.TrancheID) (*vault.Tranche, error) {
	tranche := &vault.Tranche{}
	ok, err := s.get(trancheKey(id), tranche)
	if err != nil || !ok {
		return nil, err
	}
	return tranche, nil
}

// PutTranche persists one tranche record.
func (s *Store) PutTranche(id vault.TrancheID, tranche *vault.Tranche) error {
	return s.put(trancheKey(id), tranche)
}

// GetBalances loads the pool balance sheet, or nil when absent.
func (s *Store) GetBalances() (*vault.Balances, error) {
	balances := &vault.Balances{}
	ok, err := s.get(balancesKey, balances)
	if err != nil || !ok {
		return nil, err
	}
	return balances, nil
}

// PutBalances persists the pool balance sheet.
func (s *Store) PutBalances(balances *vault.Balances) error {
	return s.put(balancesKey, balances)
}

// GetLoan loads a loan by its external reference, or nil when absent.
func (s *Store) GetLoan(reference string) (*vault.Loan, error) {
	loan := &vault.Loan{}
	ok, err := s.get(loanKeyPrefix+reference, loan)
	if err != nil || !ok {
		return nil, err
	}
	return loan, nil
}

// PutLoan persists a loan record keyed by its external reference.
func (s *Store) PutLoan(loan *vault.Loan) error {
	if loan == nil {
		return fmt.Errorf("ledger store: nil loan")
	}
	return s.put(loanKeyPrefix+loan.Reference, loan)
}

// GetShares loads a depositor share balance, or nil when absent.
func (s *Store) GetShares(id vault.TrancheID, depositor common.Address) (*big.Int, error) {
	shares := new(big.Int)
	ok, err := s.get(depositorKey(sharesKeyPrefix, id, depositor), shares)
	if err != nil || !ok {
		return nil, err
	}
	return shares, nil
}

// PutShares persists a depositor share balance.
func (s *Store) PutShares(id vault.TrancheID, depositor common.Address, shares *big.Int) error {
	return s.put(depositorKey(sharesKeyPrefix, id, depositor), shares)
}

// GetRedemption loads a depositor redemption record, or nil when absent.
func (s *Store) GetRedemption(id vault.TrancheID, depositor common.Address) (*vault.DepositorRedemption, error) {
	redemption := &vault.DepositorRedemption{}
	ok, err := s.get(depositorKey(redemptionKeyPrefix, id, depositor), redemption)
	if err != nil || !ok {
		return nil, err
	}
	return redemption, nil
}

// PutRedemption persists a depositor redemption record.
func (s *Store) PutRedemption(id vault.TrancheID, depositor common.Address, redemption *vault.DepositorRedemption) error {
	return s.put(depositorKey(redemptionKeyPrefix, id, depositor), redemption)
}

// DeleteRedemption removes a settled redemption record.
func (s *Store) DeleteRedemption(id vault.TrancheID, depositor common.Address) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not configured")
	}
	return s.db.Delete([]byte(depositorKey(redemptionKeyPrefix, id, depositor)), nil)
}

// Loans streams every stored loan to the callback in key order. Iteration
// stops at the first callback error.
func (s *Store) Loans(fn func(*vault.Loan) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("ledger store not configured")
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(loanKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		loan := &vault.Loan{}
		if err := json.Unmarshal(iter.Value(), loan); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if err := fn(loan); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate loans: %w", err)
	}
	return nil
}
