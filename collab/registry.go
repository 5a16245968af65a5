package collab

import (
	"sync"
)

// per document sync status tracked by the embedding application
type DocSyncState string

const (
	DocSyncPending DocSyncState = "pending"
	DocSyncSynced  DocSyncState = "synced"
	DocSyncError   DocSyncState = "error"
)

// how the document is held locally
type DocStorageMode string

const (
	// local only
	DocStorageLocal DocStorageMode = "local"
	// local copy of a host document, editable offline
	DocStorageCached DocStorageMode = "cached"
	// lives on a host
	DocStorageRemote DocStorageMode = "remote"
)

// the document registry is an external collaborator. The orchestrator writes
// per document sync status into it; it never reads document content from it.
type DocRegistry interface {
	MarkPending(documentId Id)
	// also resets the pending changes counter
	MarkSynced(documentId Id)
	MarkError(documentId Id, message string)
	IncrementPendingChanges(documentId Id)
	IsCachedOrRemote(documentId Id) bool
	// a host became unreachable: its remote documents become cached,
	// offline-editable copies
	ConvertRemoteToCached(hostId string)
}

type registryEntry struct {
	syncState      DocSyncState
	storageMode    DocStorageMode
	hostId         string
	pendingChanges int
	errorMessage   string
}

// registry for tests and simple embedders
type MemoryDocRegistry struct {
	stateLock sync.Mutex

	entries map[Id]*registryEntry
}

func NewMemoryDocRegistry() *MemoryDocRegistry {
	return &MemoryDocRegistry{
		entries: map[Id]*registryEntry{},
	}
}

func (self *MemoryDocRegistry) Track(documentId Id, storageMode DocStorageMode, hostId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entries[documentId] = &registryEntry{
		syncState:   DocSyncSynced,
		storageMode: storageMode,
		hostId:      hostId,
	}
}

func (self *MemoryDocRegistry) entry(documentId Id) *registryEntry {
	entry, ok := self.entries[documentId]
	if !ok {
		entry = &registryEntry{
			storageMode: DocStorageLocal,
		}
		self.entries[documentId] = entry
	}
	return entry
}

func (self *MemoryDocRegistry) MarkPending(documentId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entry(documentId).syncState = DocSyncPending
}

func (self *MemoryDocRegistry) MarkSynced(documentId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.entry(documentId)
	entry.syncState = DocSyncSynced
	entry.pendingChanges = 0
	entry.errorMessage = ""
}

func (self *MemoryDocRegistry) MarkError(documentId Id, message string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry := self.entry(documentId)
	entry.syncState = DocSyncError
	entry.errorMessage = message
}

func (self *MemoryDocRegistry) IncrementPendingChanges(documentId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entry(documentId).pendingChanges += 1
}

func (self *MemoryDocRegistry) IsCachedOrRemote(documentId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[documentId]
	if !ok {
		return false
	}
	return entry.storageMode == DocStorageCached || entry.storageMode == DocStorageRemote
}

func (self *MemoryDocRegistry) ConvertRemoteToCached(hostId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, entry := range self.entries {
		if entry.storageMode == DocStorageRemote && entry.hostId == hostId {
			entry.storageMode = DocStorageCached
		}
	}
}

func (self *MemoryDocRegistry) SyncState(documentId Id) (DocSyncState, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[documentId]
	if !ok {
		return "", false
	}
	return entry.syncState, true
}

func (self *MemoryDocRegistry) StorageMode(documentId Id) (DocStorageMode, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[documentId]
	if !ok {
		return "", false
	}
	return entry.storageMode, true
}

func (self *MemoryDocRegistry) PendingChanges(documentId Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[documentId]
	if !ok {
		return 0
	}
	return entry.pendingChanges
}

func (self *MemoryDocRegistry) ErrorMessage(documentId Id) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[documentId]
	if !ok {
		return ""
	}
	return entry.errorMessage
}
