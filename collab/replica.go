package collab

// the document replica is an external collaborator. This layer never looks
// inside sync payloads; it only moves them between the replica and the wire.

type SyncMessageKind int

const (
	SyncMessageStep1 SyncMessageKind = iota
	SyncMessageStep2
	SyncMessageUpdate
)

type DocReplica interface {
	// compact summary of which updates this replica already has
	StateVector() []byte

	// processes one incoming sync payload.
	// `reply` is an outbound sync payload, or empty when no response is needed.
	// `origin` is attached to any update events raised by the processing,
	// so forwarders can suppress echo.
	ReadSyncMessage(payload []byte, origin any) (reply []byte, kind SyncMessageKind, err error)

	// applies a remote update. `origin` is attached to the local update event
	// raised by the apply, so forwarders can suppress echo.
	ApplyUpdate(update []byte, origin any) error

	// local update events. The callback receives the encoded update and the
	// origin that produced it. Returns an unsubscribe.
	AddUpdateCallback(callback func(update []byte, origin any)) func()
}

// ephemeral per-participant state (cursors, selections) shared with all peers
type PresenceTable interface {
	LocalClientId() uint64

	// applies an encoded presence delta. `origin` distinguishes remote deltas
	// from local mutations.
	ApplyUpdate(payload []byte, origin any)

	// encoded state for the local client, broadcast on connect
	EncodeLocalState() []byte

	// presence change events with the changed client ids. Returns an unsubscribe.
	AddChangeCallback(callback func(changedClientIds []uint64, origin any)) func()
}
