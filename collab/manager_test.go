package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

// fake replica speaking a one byte sync classification:
// 1 = step 1 (state vector), 2 = step 2 (missing updates), 3 = incremental update

type testReplica struct {
	stateLock       sync.Mutex
	applied         [][]byte
	updateCallbacks *CallbackList[func(update []byte, origin any)]
}

func newTestReplica() *testReplica {
	return &testReplica{
		applied:         [][]byte{},
		updateCallbacks: NewCallbackList[func(update []byte, origin any)](),
	}
}

func (self *testReplica) StateVector() []byte {
	return []byte{1}
}

func (self *testReplica) ReadSyncMessage(payload []byte, origin any) ([]byte, SyncMessageKind, error) {
	if len(payload) == 0 {
		return nil, 0, fmt.Errorf("empty sync message")
	}
	switch payload[0] {
	case 1:
		return []byte{2, 0xab}, SyncMessageStep1, nil
	case 2:
		self.apply(payload[1:], origin)
		return nil, SyncMessageStep2, nil
	default:
		self.apply(payload[1:], origin)
		return nil, SyncMessageUpdate, nil
	}
}

func (self *testReplica) ApplyUpdate(update []byte, origin any) error {
	self.apply(update, origin)
	return nil
}

func (self *testReplica) apply(update []byte, origin any) {
	self.stateLock.Lock()
	self.applied = append(self.applied, update)
	self.stateLock.Unlock()

	for _, callback := range self.updateCallbacks.Get() {
		callback(update, origin)
	}
}

func (self *testReplica) AddUpdateCallback(callback func(update []byte, origin any)) func() {
	callbackId := self.updateCallbacks.Add(callback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

// raises a local edit, as the editing layer would
func (self *testReplica) emitLocalUpdate(update []byte) {
	for _, callback := range self.updateCallbacks.Get() {
		callback(update, nil)
	}
}

func (self *testReplica) appliedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.applied)
}

type testPresence struct {
	stateLock       sync.Mutex
	applied         [][]byte
	changeCallbacks *CallbackList[func(changedClientIds []uint64, origin any)]
}

func newTestPresence() *testPresence {
	return &testPresence{
		applied:         [][]byte{},
		changeCallbacks: NewCallbackList[func(changedClientIds []uint64, origin any)](),
	}
}

func (self *testPresence) LocalClientId() uint64 {
	return 7
}

func (self *testPresence) ApplyUpdate(payload []byte, origin any) {
	self.stateLock.Lock()
	self.applied = append(self.applied, payload)
	self.stateLock.Unlock()
}

func (self *testPresence) EncodeLocalState() []byte {
	return []byte{0xaa}
}

func (self *testPresence) AddChangeCallback(callback func(changedClientIds []uint64, origin any)) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *testPresence) emitChange(changedClientIds []uint64, origin any) {
	for _, callback := range self.changeCallbacks.Get() {
		callback(changedClientIds, origin)
	}
}

func (self *testPresence) appliedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.applied)
}

// in-process websocket host

type testServer struct {
	server *httptest.Server
	frames chan []byte
	conns  chan *websocket.Conn
}

func newTestServer() *testServer {
	return newTestServerWithUpgradeHook(nil)
}

// `beforeUpgrade` runs in the handler before the websocket upgrade,
// so a test can hold a dial mid flight
func newTestServerWithUpgradeHook(beforeUpgrade func()) *testServer {
	upgrader := websocket.Upgrader{}
	self := &testServer{
		frames: make(chan []byte, 64),
		conns:  make(chan *websocket.Conn, 4),
	}
	self.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if beforeUpgrade != nil {
			beforeUpgrade()
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		self.conns <- ws
		go func() {
			for {
				_, message, err := ws.ReadMessage()
				if err != nil {
					return
				}
				if len(message) == 0 {
					// keepalive
					continue
				}
				self.frames <- message
			}
		}()
	}))
	return self
}

func (self *testServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testServer) Close() {
	self.server.Close()
}

func (self *testServer) nextFrame(t *testing.T) (MessageTag, []byte) {
	select {
	case frame := <-self.frames:
		messageTag, payload, err := DecodeFrame(frame)
		assert.Equal(t, err, nil)
		return messageTag, payload
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
	return 0, nil
}

func (self *testServer) nextConn(t *testing.T) *websocket.Conn {
	select {
	case conn := <-self.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connection")
	}
	return nil
}

func awaitStatus(t *testing.T, statuses chan ConnectionState, target ConnectionStatus) ConnectionState {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-statuses:
			if state.Status == target {
				return state
			}
		case <-deadline:
			t.Fatalf("timeout waiting for status %s", target)
		}
	}
}

func testConnectionSettings() *ConnectionSettings {
	settings := DefaultConnectionSettings()
	settings.AutoReconnect = false
	settings.PingInterval = time.Hour
	settings.ReadTimeout = 0
	return settings
}

func TestConnectHandshake(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	replica := newTestReplica()
	presence := newTestPresence()

	manager := NewConnectionManager(context.Background(), server.url(), replica, presence, testConnectionSettings())
	defer manager.Close()

	statuses := make(chan ConnectionState, 64)
	manager.AddStatusCallback(func(state ConnectionState) {
		statuses <- state
	})
	syncedEvents := make(chan struct{}, 4)
	manager.AddSyncedCallback(func() {
		syncedEvents <- struct{}{}
	})

	documentId := NewId()
	manager.JoinDocument(documentId)
	manager.SetToken(makeJwt(t, time.Now().Add(time.Hour)), time.Time{})

	err := manager.Connect()
	assert.Equal(t, err, nil)

	// connect is a no-op while a stream is open
	assert.Equal(t, manager.Connect(), nil)

	awaitStatus(t, statuses, StatusAuthenticating)

	// handshake order: auth, join, sync step 1, presence
	messageTag, authPayload := server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagAuth)

	messageTag, joinPayload := server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagJoinDoc)
	joinedId, err := DecodeDocIdPayload(joinPayload)
	assert.Equal(t, err, nil)
	assert.Equal(t, joinedId, documentId)

	messageTag, syncPayload := server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagSync)
	assert.Equal(t, syncPayload, []byte{1})

	messageTag, awarenessPayload := server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagAwareness)
	assert.Equal(t, awarenessPayload, []byte{0xaa})

	conn := server.nextConn(t)

	// auth ack completes the handshake
	err = conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(MessageTagAuth, authPayload))
	assert.Equal(t, err, nil)
	state := awaitStatus(t, statuses, StatusAuthenticated)
	assert.Equal(t, state.LastAuthenticatedAt.IsZero(), false)

	// step 2 from the host marks the connection synced, once
	assert.Equal(t, manager.IsSynced(), false)
	err = conn.WriteMessage(websocket.BinaryMessage, EncodeSyncFrame([]byte{2, 0x01}))
	assert.Equal(t, err, nil)
	select {
	case <-syncedEvents:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for synced")
	}
	assert.Equal(t, manager.IsSynced(), true)
	assert.Equal(t, replica.appliedCount(), 1)

	// incoming presence is applied to the table
	err = conn.WriteMessage(websocket.BinaryMessage, EncodeAwarenessFrame([]byte{0xbb}))
	assert.Equal(t, err, nil)

	// incoming doc events reach subscribers
	docEvents := make(chan Id, 4)
	manager.AddDocEventCallback(func(eventDocumentId Id, kind DocEventKind) {
		docEvents <- eventDocumentId
	})
	eventId := NewId()
	err = conn.WriteMessage(websocket.BinaryMessage, EncodeDocEventFrame(eventId, DocEventUpdated))
	assert.Equal(t, err, nil)
	select {
	case receivedId := <-docEvents:
		assert.Equal(t, receivedId, eventId)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for doc event")
	}

	manager.Disconnect()
	awaitStatus(t, statuses, StatusDisconnected)
	assert.Equal(t, manager.IsSynced(), false)
}

func TestSyncStep1Reply(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	replica := newTestReplica()
	manager := NewConnectionManager(context.Background(), server.url(), replica, nil, testConnectionSettings())
	defer manager.Close()

	err := manager.Connect()
	assert.Equal(t, err, nil)

	// step 1 from the client
	messageTag, _ := server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagSync)

	conn := server.nextConn(t)

	// the host's step 1 yields a step 2 reply from the replica
	err = conn.WriteMessage(websocket.BinaryMessage, EncodeSyncFrame([]byte{1}))
	assert.Equal(t, err, nil)

	messageTag, payload := server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagSync)
	assert.Equal(t, payload, []byte{2, 0xab})
}

func TestUpdateForwarding(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	replica := newTestReplica()
	presence := newTestPresence()
	manager := NewConnectionManager(context.Background(), server.url(), replica, presence, testConnectionSettings())
	defer manager.Close()

	err := manager.Connect()
	assert.Equal(t, err, nil)

	// drain the handshake frames (sync step 1, presence)
	server.nextFrame(t)
	server.nextFrame(t)

	// a local edit is forwarded
	replica.emitLocalUpdate([]byte{0x10})
	messageTag, payload := server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagSync)
	assert.Equal(t, payload, []byte{0x10})

	// an update applied by this manager is not echoed back
	replica.apply([]byte{0x11}, manager)

	// a local presence change is forwarded
	presence.emitChange([]uint64{7}, nil)
	messageTag, payload = server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagAwareness)
	assert.Equal(t, payload, []byte{0xaa})

	// a remote-only presence change is not re-broadcast
	presence.emitChange([]uint64{12}, nil)
	presence.emitChange([]uint64{7}, manager)

	// prove nothing extra was sent: the next frame is a fresh local edit
	replica.emitLocalUpdate([]byte{0x12})
	messageTag, payload = server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagSync)
	assert.Equal(t, payload, []byte{0x12})
}

func TestReconnectBackoff(t *testing.T) {
	settings := testConnectionSettings()
	settings.AutoReconnect = true
	settings.ReconnectBaseDelay = 5 * time.Millisecond
	settings.MaxReconnectAttempts = 3
	settings.WsHandshakeTimeout = 250 * time.Millisecond

	// nothing listens here
	manager := NewConnectionManager(context.Background(), "ws://127.0.0.1:1", nil, nil, settings)
	defer manager.Close()

	statuses := make(chan ConnectionState, 64)
	manager.AddStatusCallback(func(state ConnectionState) {
		statuses <- state
	})

	err := manager.Connect()
	assert.NotEqual(t, err, nil)

	// attempts 0..2 retry with exponential backoff, then the budget is
	// exhausted and the state is terminal
	state := awaitStatus(t, statuses, StatusError)
	assert.Equal(t, state.ReconnectAttempts, 3)
	assert.Equal(t, state.ErrorMessage, "reconnect attempts exhausted")
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	settings := testConnectionSettings()
	settings.AutoReconnect = true
	settings.ReconnectBaseDelay = time.Hour
	settings.WsHandshakeTimeout = 250 * time.Millisecond

	manager := NewConnectionManager(context.Background(), "ws://127.0.0.1:1", nil, nil, settings)
	defer manager.Close()

	err := manager.Connect()
	assert.NotEqual(t, err, nil)

	// a reconnect is now pending an hour out
	state := manager.State()
	assert.Equal(t, state.ReconnectAttempts, 1)

	manager.Disconnect()
	assert.Equal(t, manager.Status(), StatusDisconnected)
}

func TestUnexpectedClose(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	replica := newTestReplica()
	manager := NewConnectionManager(context.Background(), server.url(), replica, nil, testConnectionSettings())
	defer manager.Close()

	statuses := make(chan ConnectionState, 64)
	manager.AddStatusCallback(func(state ConnectionState) {
		statuses <- state
	})

	err := manager.Connect()
	assert.Equal(t, err, nil)
	awaitStatus(t, statuses, StatusConnected)

	server.nextFrame(t)
	conn := server.nextConn(t)

	err = conn.WriteMessage(websocket.BinaryMessage, EncodeSyncFrame([]byte{2}))
	assert.Equal(t, err, nil)
	deadline := time.After(5 * time.Second)
	for !manager.IsSynced() {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for synced")
		case <-time.After(time.Millisecond):
		}
	}

	// the host drops the connection: disconnected, synced flag cleared,
	// no reconnect because auto reconnect is off
	conn.Close()
	state := awaitStatus(t, statuses, StatusDisconnected)
	assert.Equal(t, state.Synced, false)
	assert.Equal(t, manager.IsSynced(), false)
}

func TestDisconnectDuringDial(t *testing.T) {
	release := make(chan struct{})
	server := newTestServerWithUpgradeHook(func() {
		<-release
	})
	defer server.Close()
	defer close(release)

	settings := testConnectionSettings()
	settings.WsHandshakeTimeout = 5 * time.Second

	manager := NewConnectionManager(context.Background(), server.url(), nil, nil, settings)
	defer manager.Close()

	statuses := make(chan ConnectionState, 64)
	manager.AddStatusCallback(func(state ConnectionState) {
		statuses <- state
	})

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- manager.Connect()
	}()
	awaitStatus(t, statuses, StatusConnecting)

	// the dial is still blocked in the host's handler. Disconnect must
	// cancel it so no stream comes up afterward.
	manager.Disconnect()
	awaitStatus(t, statuses, StatusDisconnected)

	select {
	case err := <-connectDone:
		assert.Equal(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connect to return")
	}

	assert.Equal(t, manager.Status(), StatusDisconnected)
	assert.Equal(t, manager.State().Synced, false)
}

func TestStaleCloseIgnored(t *testing.T) {
	server := newTestServer()
	defer server.Close()

	replica := newTestReplica()
	manager := NewConnectionManager(context.Background(), server.url(), replica, nil, testConnectionSettings())
	defer manager.Close()

	statuses := make(chan ConnectionState, 64)
	manager.AddStatusCallback(func(state ConnectionState) {
		statuses <- state
	})

	err := manager.Connect()
	assert.Equal(t, err, nil)
	awaitStatus(t, statuses, StatusConnected)
	server.nextFrame(t)
	server.nextConn(t)

	// a pump from an earlier, already torn down connection exits late and
	// reports its own stream, not the live one
	stale, _, err := websocket.DefaultDialer.Dial(server.url(), nil)
	assert.Equal(t, err, nil)
	defer stale.Close()
	server.nextConn(t)

	manager.handleClose(stale, fmt.Errorf("stale pump exit"))

	// the live connection is untouched and still sends
	assert.Equal(t, manager.Status(), StatusConnected)
	err = manager.SendDocumentList()
	assert.Equal(t, err, nil)
	messageTag, _ := server.nextFrame(t)
	assert.Equal(t, messageTag, MessageTagDocList)
}
