package metadata

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	sessionPrefix = "session:"
	sharePrefix   = "share:"
	saltKey       = "meta:storage_salt"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("metadata not found")
	// ErrCodeTaken is returned by CreateShare when a live entry already
	// holds the code.
	ErrCodeTaken = errors.New("code already taken")
)

// MetadataStore wraps BadgerDB for session and share records.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// OpenInMemory opens a BadgerDB that lives only in memory.
func OpenInMemory() (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// RunGC reclaims space in the value log; ErrNoRewrite just means there was
// nothing to do.
func (ms *MetadataStore) RunGC() error {
	err := ms.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		return err
	}
	return nil
}

func putJSON(txn *badger.Txn, key string, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), val)
}

func getJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func deleteKey(txn *badger.Txn, key string) error {
	if _, err := txn.Get([]byte(key)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	return txn.Delete([]byte(key))
}

func listJSON[T any](ms *MetadataStore, prefix string) ([]T, error) {
	var out []T
	err := ms.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var v T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// PutSession stores an upload session record.
func (ms *MetadataStore) PutSession(rec SessionRecord) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, sessionPrefix+rec.Key, rec)
	})
}

// GetSession retrieves an upload session record by key.
func (ms *MetadataStore) GetSession(key string) (SessionRecord, error) {
	var rec SessionRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sessionPrefix+key, &rec)
	})
	return rec, err
}

func (ms *MetadataStore) DeleteSession(key string) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return deleteKey(txn, sessionPrefix+key)
	})
}

func (ms *MetadataStore) ListSessions() ([]SessionRecord, error) {
	return listJSON[SessionRecord](ms, sessionPrefix)
}

// CreateShare stores entry under its code unless a live entry holds the code
// already (ErrCodeTaken). A dead holder (expired or consumed) is replaced and
// returned so the caller can reclaim its objects.
func (ms *MetadataStore) CreateShare(entry ShareEntry, isLive func(ShareEntry) bool) (*ShareEntry, error) {
	var displaced *ShareEntry
	err := ms.db.Update(func(txn *badger.Txn) error {
		var existing ShareEntry
		err := getJSON(txn, sharePrefix+entry.Code, &existing)
		switch {
		case err == nil:
			if isLive(existing) {
				return ErrCodeTaken
			}
			displaced = &existing
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}
		return putJSON(txn, sharePrefix+entry.Code, entry)
	})
	if err != nil {
		return nil, err
	}
	return displaced, nil
}

// GetShare retrieves a share entry by invite code.
func (ms *MetadataStore) GetShare(code string) (ShareEntry, error) {
	var entry ShareEntry
	err := ms.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sharePrefix+code, &entry)
	})
	return entry, err
}

// UpdateShare applies fn to the stored entry inside a single read-write
// transaction and persists the result. If fn returns an error nothing is
// written.
func (ms *MetadataStore) UpdateShare(code string, fn func(*ShareEntry) error) (ShareEntry, error) {
	var entry ShareEntry
	err := ms.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, sharePrefix+code, &entry); err != nil {
			return err
		}
		if err := fn(&entry); err != nil {
			return err
		}
		return putJSON(txn, sharePrefix+code, entry)
	})
	return entry, err
}

func (ms *MetadataStore) DeleteShare(code string) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return deleteKey(txn, sharePrefix+code)
	})
}

func (ms *MetadataStore) ListShares() ([]ShareEntry, error) {
	return listJSON[ShareEntry](ms, sharePrefix)
}

// StorageSalt returns the salt used to derive the at-rest key, creating it
// with newSalt on first use.
func (ms *MetadataStore) StorageSalt(newSalt func() ([]byte, error)) ([]byte, error) {
	var salt []byte
	err := ms.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(saltKey))
		if err == nil {
			salt, err = item.ValueCopy(nil)
			return err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		salt, err = newSalt()
		if err != nil {
			return err
		}
		return txn.Set([]byte(saltKey), salt)
	})
	return salt, err
}
