package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const transferPrefix = "transfer:"

var ErrNotFound = errors.New("transfer not recorded")

// TransferRecord describes a transfer whose file has been reassembled.
type TransferRecord struct {
	CheckBookFilename string    `json:"checkbook_filename"`
	DestFilename      string    `json:"dest_filename"`
	Size              int64     `json:"size"`
	Slices            int       `json:"slices"`
	Digest            string    `json:"digest"`
	CompletedAt       time.Time `json:"completed_at"`
	ArchivedAs        string    `json:"archived_as,omitempty"`
}

// LedgerStore wraps BadgerDB for the record of finished transfers.
type LedgerStore struct {
	db *badger.DB
}

// OpenLedgerStore opens (or creates) a BadgerDB at the given path.
func OpenLedgerStore(dbPath string) (*LedgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %v", err)
	}
	return &LedgerStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ls *LedgerStore) Close() error {
	return ls.db.Close()
}

// PutTransfer stores a transfer record, replacing any earlier record for the same checkbook.
func (ls *LedgerStore) PutTransfer(rec TransferRecord) error {
	key := []byte(transferPrefix + rec.CheckBookFilename)
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ls.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// GetTransfer retrieves the record of a checkbook.
func (ls *LedgerStore) GetTransfer(checkbookName string) (TransferRecord, error) {
	key := []byte(transferPrefix + checkbookName)
	var rec TransferRecord
	err := ls.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, checkbookName)
	}
	return rec, err
}

// MarkArchived records where a finished file was archived.
func (ls *LedgerStore) MarkArchived(checkbookName, location string) error {
	key := []byte(transferPrefix + checkbookName)
	return ls.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, checkbookName)
			}
			return err
		}
		var rec TransferRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		rec.ArchivedAs = location
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
}

// ListTransfers returns every record, ordered by checkbook name.
func (ls *LedgerStore) ListTransfers() ([]TransferRecord, error) {
	prefix := []byte(transferPrefix)
	var out []TransferRecord
	err := ls.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec TransferRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
