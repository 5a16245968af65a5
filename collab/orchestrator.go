package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the one object capable of performing save/delete against a host
type SyncProvider interface {
	IsReady() bool
	SaveDocument(ctx context.Context, document *DocSnapshot) error
	DeleteDocument(ctx context.Context, documentId Id) error
}

// provider speaking DOC_SAVE / DOC_DELETE frames over a connection manager
type ConnectionProvider struct {
	manager *ConnectionManager
}

func NewConnectionProvider(manager *ConnectionManager) *ConnectionProvider {
	return &ConnectionProvider{
		manager: manager,
	}
}

func (self *ConnectionProvider) IsReady() bool {
	return self.manager.Status() == StatusAuthenticated
}

func (self *ConnectionProvider) SaveDocument(ctx context.Context, document *DocSnapshot) error {
	return self.manager.SendDocumentSave(document)
}

func (self *ConnectionProvider) DeleteDocument(ctx context.Context, documentId Id) error {
	return self.manager.SendDocumentDelete(documentId)
}

type SyncSettings struct {
	// drain automatically when the connection becomes authenticated
	AutoProcess bool
	// advisory retry threshold passed to queue drains
	MaxRetries int
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		AutoProcess: true,
		MaxRetries:  DefaultMaxRetries,
	}
}

type SyncState struct {
	Initialized  bool
	Syncing      bool
	PendingCount int
	LastSyncAt   time.Time
	LastError    string
}

type OperationQueuedFunction func(operation *QueuedOperation)

type SyncCompleteFunction func(results []*ProcessResult)

type SyncErrorFunction func(err error)

// binds the offline queue, the durable store, the connection manager, and the
// document registry. Drains the queue at most once at a time and reconciles
// per document registry state from the drain results.
type SyncCoordinator struct {
	ctx context.Context

	queue    *OfflineQueue
	store    QueueStore
	manager  *ConnectionManager
	registry DocRegistry

	settings *SyncSettings

	stateLock sync.Mutex

	initialized bool
	// single flight guard, independent from the queue's own guard
	syncing      bool
	pendingCount int
	lastSyncAt   time.Time
	lastError    string

	provider SyncProvider

	lastStatus ConnectionStatus

	queueUnsub  func()
	statusUnsub func()

	operationQueuedCallbacks *CallbackList[OperationQueuedFunction]
	syncStartCallbacks       *CallbackList[func()]
	syncCompleteCallbacks    *CallbackList[SyncCompleteFunction]
	errorCallbacks           *CallbackList[SyncErrorFunction]
}

func NewSyncCoordinatorWithDefaults(
	ctx context.Context,
	queue *OfflineQueue,
	store QueueStore,
	manager *ConnectionManager,
	registry DocRegistry,
) *SyncCoordinator {
	return NewSyncCoordinator(ctx, queue, store, manager, registry, DefaultSyncSettings())
}

func NewSyncCoordinator(
	ctx context.Context,
	queue *OfflineQueue,
	store QueueStore,
	manager *ConnectionManager,
	registry DocRegistry,
	settings *SyncSettings,
) *SyncCoordinator {
	return &SyncCoordinator{
		ctx:                      ctx,
		queue:                    queue,
		store:                    store,
		manager:                  manager,
		registry:                 registry,
		settings:                 settings,
		operationQueuedCallbacks: NewCallbackList[OperationQueuedFunction](),
		syncStartCallbacks:       NewCallbackList[func()](),
		syncCompleteCallbacks:    NewCallbackList[SyncCompleteFunction](),
		errorCallbacks:           NewCallbackList[SyncErrorFunction](),
	}
}

func (self *SyncCoordinator) AddOperationQueuedCallback(callback OperationQueuedFunction) func() {
	callbackId := self.operationQueuedCallbacks.Add(callback)
	return func() {
		self.operationQueuedCallbacks.Remove(callbackId)
	}
}

func (self *SyncCoordinator) AddSyncStartCallback(callback func()) func() {
	callbackId := self.syncStartCallbacks.Add(callback)
	return func() {
		self.syncStartCallbacks.Remove(callbackId)
	}
}

func (self *SyncCoordinator) AddSyncCompleteCallback(callback SyncCompleteFunction) func() {
	callbackId := self.syncCompleteCallbacks.Add(callback)
	return func() {
		self.syncCompleteCallbacks.Remove(callbackId)
	}
}

func (self *SyncCoordinator) AddErrorCallback(callback SyncErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *SyncCoordinator) State() SyncState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return SyncState{
		Initialized:  self.initialized,
		Syncing:      self.syncing,
		PendingCount: self.pendingCount,
		LastSyncAt:   self.lastSyncAt,
		LastError:    self.lastError,
	}
}

// idempotent. Loads persisted operations into the queue, then subscribes to
// queue changes (re-persist + pending count) and connection status.
func (self *SyncCoordinator) Initialize() {
	first := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.initialized {
			return false
		}
		self.initialized = true
		return true
	}()
	if !first {
		return
	}

	if self.store != nil {
		operations, err := self.store.LoadAll()
		if err != nil {
			self.reportError(fmt.Errorf("queue store load: %w", err))
		} else if 0 < len(operations) {
			self.queue.ReplaceAll(operations)
		}
	}

	self.queueUnsub = self.queue.AddChangeCallback(self.onQueueChange)
	if self.manager != nil {
		self.stateLock.Lock()
		self.lastStatus = self.manager.Status()
		self.stateLock.Unlock()
		self.statusUnsub = self.manager.AddStatusCallback(self.onStatus)
	}

	self.stateLock.Lock()
	self.pendingCount = self.queue.Size()
	self.stateLock.Unlock()
}

// unsubscribes everything and resets to uninitialized. Safe to call multiple
// times. A drain in progress is not cancelled; it finishes on its own.
func (self *SyncCoordinator) Destroy() {
	initialized := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.initialized {
			return false
		}
		self.initialized = false
		return true
	}()
	if !initialized {
		return
	}

	if self.queueUnsub != nil {
		self.queueUnsub()
		self.queueUnsub = nil
	}
	if self.statusUnsub != nil {
		self.statusUnsub()
		self.statusUnsub = nil
	}
}

func (self *SyncCoordinator) SetProvider(provider SyncProvider) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.provider = provider
}

func (self *SyncCoordinator) GetProvider() SyncProvider {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.provider
}

func (self *SyncCoordinator) QueueSave(document *DocSnapshot, hostId string) *QueuedOperation {
	operation := self.queue.EnqueueSave(document, hostId)
	self.fireOperationQueued(operation)
	if self.registry != nil {
		self.registry.MarkPending(document.Id)
		if self.registry.IsCachedOrRemote(document.Id) {
			self.registry.IncrementPendingChanges(document.Id)
		}
	}
	return operation
}

func (self *SyncCoordinator) QueueDelete(documentId Id, hostId string) *QueuedOperation {
	operation := self.queue.EnqueueDelete(documentId, hostId)
	self.fireOperationQueued(operation)
	return operation
}

func (self *SyncCoordinator) fireOperationQueued(operation *QueuedOperation) {
	for _, callback := range self.operationQueuedCallbacks.Get() {
		func() {
			defer recover()
			callback(operation)
		}()
	}
}

// drains the full queue. Single flight: returns nil immediately when a drain
// is already running or when the provider is absent or not ready.
func (self *SyncCoordinator) ProcessQueue(ctx context.Context) []*ProcessResult {
	return self.processQueue(ctx, "", false)
}

// drains only operations targeting `hostId`
func (self *SyncCoordinator) ProcessQueueForHost(ctx context.Context, hostId string) []*ProcessResult {
	return self.processQueue(ctx, hostId, true)
}

func (self *SyncCoordinator) processQueue(ctx context.Context, hostId string, forHost bool) []*ProcessResult {
	provider := self.GetProvider()
	if provider == nil || !provider.IsReady() {
		glog.V(1).Infof("[s]provider not ready, skip drain\n")
		return nil
	}

	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.syncing {
			return false
		}
		self.syncing = true
		return true
	}()
	if !ok {
		glog.V(1).Infof("[s]sync already in progress\n")
		return nil
	}

	for _, callback := range self.syncStartCallbacks.Get() {
		func() {
			defer recover()
			callback()
		}()
	}

	var results []*ProcessResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				self.reportError(fmt.Errorf("drain panic: %v", r))
			}
		}()

		processor := func(operation *QueuedOperation) error {
			switch operation.Type {
			case OperationTypeSave:
				return provider.SaveDocument(ctx, operation.Document)
			case OperationTypeDelete:
				return provider.DeleteDocument(ctx, operation.DocumentId)
			default:
				return fmt.Errorf("unknown operation type %s", operation.Type)
			}
		}
		if forHost {
			results = self.queue.ProcessForHost(hostId, processor, self.settings.MaxRetries)
		} else {
			results = self.queue.ProcessAll(processor, self.settings.MaxRetries)
		}

		if self.registry != nil {
			for _, result := range results {
				if result.Success {
					self.registry.MarkSynced(result.Operation.DocumentId)
				} else {
					self.registry.MarkError(result.Operation.DocumentId, result.Error.Error())
				}
			}
		}
	}()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.lastSyncAt = time.Now()
		self.syncing = false
		self.pendingCount = self.queue.Size()
	}()

	for _, callback := range self.syncCompleteCallbacks.Get() {
		func() {
			defer recover()
			callback(results)
		}()
	}

	return results
}

func (self *SyncCoordinator) onQueueChange() {
	self.stateLock.Lock()
	self.pendingCount = self.queue.Size()
	self.stateLock.Unlock()

	if self.store != nil {
		// the in-memory queue is the source of truth, persistence is best effort
		if err := self.store.SaveAll(self.queue.GetOperationsSorted()); err != nil {
			self.reportError(fmt.Errorf("queue store save: %w", err))
		}
	}
}

func (self *SyncCoordinator) onStatus(state ConnectionState) {
	var previous ConnectionStatus
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		previous = self.lastStatus
		self.lastStatus = state.Status
	}()

	if state.Status == StatusAuthenticated && previous != StatusAuthenticated {
		if self.settings.AutoProcess && self.queue.HasPendingOperations() {
			// deliberately detached: a drain failure must not crash the
			// status subscriber. Errors are logged, never propagated.
			go func() {
				defer func() {
					if r := recover(); r != nil {
						glog.Errorf("[s]auto drain panic = %v\n", r)
					}
				}()
				self.ProcessQueue(self.ctx)
			}()
		}
	}

	if previous == StatusAuthenticated && state.Status == StatusDisconnected {
		// the host is unreachable: its remote documents become offline
		// editable cached copies
		if self.registry != nil && self.manager != nil {
			self.registry.ConvertRemoteToCached(self.manager.HostId())
		}
	}
}

func (self *SyncCoordinator) reportError(err error) {
	glog.Infof("[s]%s\n", err)

	self.stateLock.Lock()
	self.lastError = err.Error()
	self.stateLock.Unlock()

	for _, callback := range self.errorCallbacks.Get() {
		func() {
			defer recover()
			callback(err)
		}()
	}
}
