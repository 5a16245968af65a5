package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const DefaultMaxRetries = 3

type OperationType string

const (
	OperationTypeSave   OperationType = "save"
	OperationTypeDelete OperationType = "delete"
)

// a pending save or delete recorded while the host was unreachable.
// at most one operation exists per document id; enqueuing coalesces.
type QueuedOperation struct {
	Id         Id            `json:"id"`
	Type       OperationType `json:"type"`
	DocumentId Id            `json:"documentId"`
	// full snapshot, save only
	Document   *DocSnapshot `json:"document,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	RetryCount int          `json:"retryCount"`
	LastError  string       `json:"lastError,omitempty"`
	HostId     string       `json:"hostId"`
}

// produced once per drained operation, never mutated after creation
type ProcessResult struct {
	Operation *QueuedOperation
	Success   bool
	Error     error
}

type QueueStats struct {
	Total           int        `json:"total"`
	Saves           int        `json:"saves"`
	Deletes         int        `json:"deletes"`
	OldestTimestamp *time.Time `json:"oldestTimestamp,omitempty"`
}

type ProcessFunction func(operation *QueuedOperation) error

type QueueChangeFunction func()

type OfflineQueue struct {
	stateLock sync.Mutex

	// operation id -> operation
	operations map[Id]*QueuedOperation
	// document id -> operation (coalescing invariant)
	documentOperations map[Id]*QueuedOperation

	// single flight guard for drains
	processing bool

	changeCallbacks *CallbackList[QueueChangeFunction]
}

func NewOfflineQueue() *OfflineQueue {
	return &OfflineQueue{
		operations:         map[Id]*QueuedOperation{},
		documentOperations: map[Id]*QueuedOperation{},
		changeCallbacks:    NewCallbackList[QueueChangeFunction](),
	}
}

// fires synchronously after every structural mutation. Returns an unsubscribe.
func (self *OfflineQueue) AddChangeCallback(changeCallback QueueChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *OfflineQueue) changed() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[q]change callback panic = %v\n", r)
				}
			}()
			changeCallback()
		}()
	}
}

func (self *OfflineQueue) EnqueueSave(document *DocSnapshot, hostId string) *QueuedOperation {
	operation := &QueuedOperation{
		Id:         NewId(),
		Type:       OperationTypeSave,
		DocumentId: document.Id,
		Document:   document,
		Timestamp:  time.Now().UTC(),
		HostId:     hostId,
	}
	self.insert(operation)
	self.changed()
	return operation
}

func (self *OfflineQueue) EnqueueDelete(documentId Id, hostId string) *QueuedOperation {
	operation := &QueuedOperation{
		Id:         NewId(),
		Type:       OperationTypeDelete,
		DocumentId: documentId,
		Timestamp:  time.Now().UTC(),
		HostId:     hostId,
	}
	self.insert(operation)
	self.changed()
	return operation
}

func (self *OfflineQueue) insert(operation *QueuedOperation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// coalesce: at most one operation per document
	if previous, ok := self.documentOperations[operation.DocumentId]; ok {
		delete(self.operations, previous.Id)
	}
	self.operations[operation.Id] = operation
	self.documentOperations[operation.DocumentId] = operation
}

func (self *OfflineQueue) RemoveByDocumentId(documentId Id) bool {
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		operation, ok := self.documentOperations[documentId]
		if !ok {
			return false
		}
		delete(self.operations, operation.Id)
		delete(self.documentOperations, documentId)
		return true
	}()
	if removed {
		self.changed()
	}
	return removed
}

func (self *OfflineQueue) Remove(operationId Id) bool {
	removed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		operation, ok := self.operations[operationId]
		if !ok {
			return false
		}
		delete(self.operations, operationId)
		if self.documentOperations[operation.DocumentId] == operation {
			delete(self.documentOperations, operation.DocumentId)
		}
		return true
	}()
	if removed {
		self.changed()
	}
	return removed
}

func (self *OfflineQueue) Clear() {
	cleared := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if len(self.operations) == 0 {
			return false
		}
		maps.Clear(self.operations)
		maps.Clear(self.documentOperations)
		return true
	}()
	if cleared {
		self.changed()
	}
}

func (self *OfflineQueue) ClearByHost(hostId string) {
	cleared := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		cleared := false
		for operationId, operation := range self.operations {
			if operation.HostId == hostId {
				delete(self.operations, operationId)
				if self.documentOperations[operation.DocumentId] == operation {
					delete(self.documentOperations, operation.DocumentId)
				}
				cleared = true
			}
		}
		return cleared
	}()
	if cleared {
		self.changed()
	}
}

// drains the queue oldest first, preserving the causal order of user edits.
// single flight: a drain already in progress makes this a no-op returning nil.
// a successfully processed operation is removed; a failed operation stays queued
// with its retry count incremented and the error recorded. `maxRetries` only
// changes logging once exceeded; operations are never dropped by the drain.
func (self *OfflineQueue) ProcessAll(processor ProcessFunction, maxRetries int) []*ProcessResult {
	return self.process(processor, maxRetries, func(operation *QueuedOperation) bool {
		return true
	})
}

// identical to `ProcessAll` filtered to operations for one host
func (self *OfflineQueue) ProcessForHost(hostId string, processor ProcessFunction, maxRetries int) []*ProcessResult {
	return self.process(processor, maxRetries, func(operation *QueuedOperation) bool {
		return operation.HostId == hostId
	})
}

func (self *OfflineQueue) process(processor ProcessFunction, maxRetries int, filter func(*QueuedOperation) bool) []*ProcessResult {
	var snapshot []*QueuedOperation
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.processing {
			return false
		}
		self.processing = true
		for _, operation := range self.operations {
			if filter(operation) {
				snapshot = append(snapshot, operation)
			}
		}
		return true
	}()
	if !ok {
		glog.V(1).Infof("[q]drain already in progress\n")
		return nil
	}

	defer func() {
		self.stateLock.Lock()
		self.processing = false
		self.stateLock.Unlock()
		self.changed()
	}()

	sortOperationsByTimestamp(snapshot)

	results := []*ProcessResult{}
	for _, operation := range snapshot {
		err := processor(operation)
		if err == nil {
			self.removeProcessed(operation)
			results = append(results, &ProcessResult{
				Operation: operation,
				Success:   true,
			})
			glog.V(1).Infof("[q]%s %s ok\n", operation.Type, operation.DocumentId)
		} else {
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()

				operation.RetryCount += 1
				operation.LastError = err.Error()
			}()
			results = append(results, &ProcessResult{
				Operation: operation,
				Success:   false,
				Error:     err,
			})
			if maxRetries < operation.RetryCount {
				glog.Warningf("[q]%s %s retry %d exceeds %d = %s\n", operation.Type, operation.DocumentId, operation.RetryCount, maxRetries, err)
			} else {
				glog.V(1).Infof("[q]%s %s retry %d = %s\n", operation.Type, operation.DocumentId, operation.RetryCount, err)
			}
		}
	}
	return results
}

func (self *OfflineQueue) removeProcessed(operation *QueuedOperation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.operations, operation.Id)
	// the document may have been re-enqueued while the drain was in flight
	if self.documentOperations[operation.DocumentId] == operation {
		delete(self.documentOperations, operation.DocumentId)
	}
}

func (self *OfflineQueue) GetAll() []*QueuedOperation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Values(self.operations)
}

func (self *OfflineQueue) GetOperationsSorted() []*QueuedOperation {
	operations := self.GetAll()
	sortOperationsByTimestamp(operations)
	return operations
}

func (self *OfflineQueue) GetByDocumentId(documentId Id) *QueuedOperation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.documentOperations[documentId]
}

func (self *OfflineQueue) GetByHost(hostId string) []*QueuedOperation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	operations := []*QueuedOperation{}
	for _, operation := range self.operations {
		if operation.HostId == hostId {
			operations = append(operations, operation)
		}
	}
	sortOperationsByTimestamp(operations)
	return operations
}

func (self *OfflineQueue) HasPendingOperations() bool {
	return !self.IsEmpty()
}

func (self *OfflineQueue) IsEmpty() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.operations) == 0
}

func (self *OfflineQueue) IsProcessing() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.processing
}

func (self *OfflineQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.operations)
}

func (self *OfflineQueue) GetStats() *QueueStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stats := &QueueStats{
		Total: len(self.operations),
	}
	for _, operation := range self.operations {
		switch operation.Type {
		case OperationTypeSave:
			stats.Saves += 1
		case OperationTypeDelete:
			stats.Deletes += 1
		}
		if stats.OldestTimestamp == nil || operation.Timestamp.Before(*stats.OldestTimestamp) {
			timestamp := operation.Timestamp
			stats.OldestTimestamp = &timestamp
		}
	}
	return stats
}

func (self *OfflineQueue) ToJSON() ([]byte, error) {
	return json.Marshal(self.GetOperationsSorted())
}

// discards the current queue entirely before loading
func (self *OfflineQueue) FromJSON(b []byte) error {
	operations := []*QueuedOperation{}
	if err := json.Unmarshal(b, &operations); err != nil {
		return err
	}
	self.ReplaceAll(operations)
	return nil
}

// replaces the queue contents. Later operations win when the input repeats
// a document id, matching enqueue coalescing.
func (self *OfflineQueue) ReplaceAll(operations []*QueuedOperation) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		maps.Clear(self.operations)
		maps.Clear(self.documentOperations)
		for _, operation := range operations {
			if previous, ok := self.documentOperations[operation.DocumentId]; ok {
				delete(self.operations, previous.Id)
			}
			self.operations[operation.Id] = operation
			self.documentOperations[operation.DocumentId] = operation
		}
	}()
	self.changed()
}

func sortOperationsByTimestamp(operations []*QueuedOperation) {
	slices.SortStableFunc(operations, func(a *QueuedOperation, b *QueuedOperation) int {
		if a.Timestamp.Before(b.Timestamp) {
			return -1
		} else if b.Timestamp.Before(a.Timestamp) {
			return 1
		} else if a.Id.LessThan(b.Id) {
			return -1
		} else if b.Id.LessThan(a.Id) {
			return 1
		} else {
			return 0
		}
	})
}
