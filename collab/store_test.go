package collab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func seedOperations() []*QueuedOperation {
	queue := NewOfflineQueue()
	queue.EnqueueSave(testDoc(NewId()), "host-1")
	queue.EnqueueSave(testDoc(NewId()), "host-2")
	queue.EnqueueDelete(NewId(), "host-1")
	return queue.GetOperationsSorted()
}

func assertSameOperations(t *testing.T, a []*QueuedOperation, b []*QueuedOperation) {
	assert.Equal(t, len(a), len(b))
	byId := map[Id]*QueuedOperation{}
	for _, operation := range b {
		byId[operation.Id] = operation
	}
	for _, original := range a {
		loaded, ok := byId[original.Id]
		assert.Equal(t, ok, true)
		assert.Equal(t, loaded.Type, original.Type)
		assert.Equal(t, loaded.DocumentId, original.DocumentId)
		assert.Equal(t, loaded.HostId, original.HostId)
		assert.Equal(t, loaded.RetryCount, original.RetryCount)
		assert.Equal(t, loaded.Timestamp.Equal(original.Timestamp), true)
		if original.Type == OperationTypeSave {
			assert.NotEqual(t, loaded.Document, nil)
			assert.Equal(t, loaded.Document.Id, original.Document.Id)
		} else {
			assert.Equal(t, loaded.Document, nil)
		}
	}
}

func TestFileQueueStore(t *testing.T) {
	store := NewFileQueueStore(filepath.Join(t.TempDir(), "sub", "queue.json"))

	// a missing file loads empty
	operations, err := store.LoadAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(operations), 0)

	seed := seedOperations()
	err = store.SaveAll(seed)
	assert.Equal(t, err, nil)

	loaded, err := store.LoadAll()
	assert.Equal(t, err, nil)
	assertSameOperations(t, seed, loaded)

	// save all replaces, not appends
	err = store.SaveAll(seed[:1])
	assert.Equal(t, err, nil)
	loaded, err = store.LoadAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(loaded), 1)

	err = store.ClearAll()
	assert.Equal(t, err, nil)
	loaded, err = store.LoadAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(loaded), 0)

	// clearing an already clear store is fine
	assert.Equal(t, store.ClearAll(), nil)
}

func TestFileQueueStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := NewFileQueueStore(path)

	err := os.WriteFile(path, []byte("{not json"), 0600)
	assert.Equal(t, err, nil)

	_, err = store.LoadAll()
	assert.NotEqual(t, err, nil)
}

func TestBadgerQueueStore(t *testing.T) {
	store, err := NewBadgerQueueStore(t.TempDir())
	assert.Equal(t, err, nil)
	defer store.Close()

	operations, err := store.LoadAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(operations), 0)

	seed := seedOperations()
	err = store.SaveAll(seed)
	assert.Equal(t, err, nil)

	loaded, err := store.LoadAll()
	assert.Equal(t, err, nil)
	assertSameOperations(t, seed, loaded)

	err = store.SaveAll(seed[:2])
	assert.Equal(t, err, nil)
	loaded, err = store.LoadAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(loaded), 2)

	err = store.ClearAll()
	assert.Equal(t, err, nil)
	loaded, err = store.LoadAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(loaded), 0)
}
