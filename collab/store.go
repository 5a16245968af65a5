package collab

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
)

// durable record of the offline queue. The in-memory queue is the source of
// truth; store failures are best effort and must never block queue operation.
type QueueStore interface {
	LoadAll() ([]*QueuedOperation, error)
	SaveAll(operations []*QueuedOperation) error
	ClearAll() error
}

// single json file, written with a temp file and rename
type FileQueueStore struct {
	path string
}

func NewFileQueueStore(path string) *FileQueueStore {
	return &FileQueueStore{
		path: path,
	}
}

func (self *FileQueueStore) LoadAll() ([]*QueuedOperation, error) {
	b, err := os.ReadFile(self.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*QueuedOperation{}, nil
		}
		return nil, err
	}
	operations := []*QueuedOperation{}
	if err := json.Unmarshal(b, &operations); err != nil {
		return nil, fmt.Errorf("corrupt queue store %s: %w", self.path, err)
	}
	return operations, nil
}

func (self *FileQueueStore) SaveAll(operations []*QueuedOperation) error {
	b, err := json.Marshal(operations)
	if err != nil {
		return err
	}
	dir := filepath.Dir(self.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".queue-*")
	if err != nil {
		return err
	}
	tempPath := f.Name()
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, self.path)
}

func (self *FileQueueStore) ClearAll() error {
	err := os.Remove(self.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var badgerQueuePrefix = []byte("queue/")

// badger backed store, one key per operation
type BadgerQueueStore struct {
	db *badger.DB
}

func NewBadgerQueueStore(path string) (*BadgerQueueStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerQueueStore{
		db: db,
	}, nil
}

func (self *BadgerQueueStore) LoadAll() ([]*QueuedOperation, error) {
	operations := []*QueuedOperation{}
	err := self.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = badgerQueuePrefix
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				operation := &QueuedOperation{}
				if err := json.Unmarshal(v, operation); err != nil {
					return err
				}
				operations = append(operations, operation)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return operations, nil
}

func (self *BadgerQueueStore) SaveAll(operations []*QueuedOperation) error {
	return self.db.Update(func(txn *badger.Txn) error {
		if err := clearQueuePrefix(txn); err != nil {
			return err
		}
		for _, operation := range operations {
			v, err := json.Marshal(operation)
			if err != nil {
				return err
			}
			key := append([]byte{}, badgerQueuePrefix...)
			key = append(key, operation.Id.Bytes()...)
			if err := txn.Set(key, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (self *BadgerQueueStore) ClearAll() error {
	return self.db.Update(clearQueuePrefix)
}

func clearQueuePrefix(txn *badger.Txn) error {
	itOpts := badger.DefaultIteratorOptions
	itOpts.Prefix = badgerQueuePrefix
	itOpts.PrefetchValues = false
	it := txn.NewIterator(itOpts)
	keys := [][]byte{}
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (self *BadgerQueueStore) Close() error {
	return self.db.Close()
}
