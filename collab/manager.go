package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/gorilla/websocket"
)

const SendBufferSize = 32

var errNotConnected = errors.New("not connected")

type ConnectionStatus string

const (
	StatusDisconnected   ConnectionStatus = "disconnected"
	StatusConnecting     ConnectionStatus = "connecting"
	StatusConnected      ConnectionStatus = "connected"
	StatusAuthenticating ConnectionStatus = "authenticating"
	StatusAuthenticated  ConnectionStatus = "authenticated"
	StatusError          ConnectionStatus = "error"
)

// snapshot of the connection manager state, safe to hand to callbacks
type ConnectionState struct {
	Status              ConnectionStatus
	ErrorMessage        string
	HostUrl             string
	ReconnectAttempts   int
	LastAuthenticatedAt time.Time
	Synced              bool
}

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingInterval       time.Duration

	AutoReconnect        bool
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	TokenMonitorSettings *TokenMonitorSettings
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout:   2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          30 * time.Second,
		PingInterval:         10 * time.Second,
		AutoReconnect:        true,
		ReconnectBaseDelay:   1000 * time.Millisecond,
		MaxReconnectAttempts: 10,
		TokenMonitorSettings: DefaultTokenMonitorSettings(),
	}
}

type StatusFunction func(state ConnectionState)

type DocEventFunction func(documentId Id, kind DocEventKind)

// owns the websocket stream lifecycle for one host: dial, auth handshake,
// join + sync step 1 + presence broadcast on open, exponential backoff
// reconnect on unexpected close, and the steady state sync/awareness pumps.
//
// all state transitions happen under `stateLock`; callbacks always fire after
// the mutating section has released the lock.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	hostUrl  string
	replica  DocReplica
	presence PresenceTable

	settings *ConnectionSettings

	stateLock sync.Mutex

	status              ConnectionStatus
	errorMessage        string
	reconnectAttempts   int
	lastAuthenticatedAt time.Time
	synced              bool

	documentId    Id
	documentBound bool

	token          string
	tokenExpiresAt time.Time

	ws   *websocket.Conn
	send chan []byte
	// identifies the current connection attempt. Registered before the dial
	// so `Disconnect` can cancel an attempt that is still in flight.
	connCtx        context.Context
	connCancel     context.CancelFunc
	reconnectTimer *time.Timer
	// set by `Disconnect` so an expected close does not schedule a reconnect
	intentionalClose bool

	tokenMonitor *TokenMonitor

	statusCallbacks   *CallbackList[StatusFunction]
	syncedCallbacks   *CallbackList[func()]
	docEventCallbacks *CallbackList[DocEventFunction]

	replicaUnsub  func()
	presenceUnsub func()
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	hostUrl string,
	replica DocReplica,
	presence PresenceTable,
) *ConnectionManager {
	return NewConnectionManager(ctx, hostUrl, replica, presence, DefaultConnectionSettings())
}

func NewConnectionManager(
	ctx context.Context,
	hostUrl string,
	replica DocReplica,
	presence PresenceTable,
	settings *ConnectionSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	manager := &ConnectionManager{
		ctx:               cancelCtx,
		cancel:            cancel,
		hostUrl:           hostUrl,
		replica:           replica,
		presence:          presence,
		settings:          settings,
		status:            StatusDisconnected,
		statusCallbacks:   NewCallbackList[StatusFunction](),
		syncedCallbacks:   NewCallbackList[func()](),
		docEventCallbacks: NewCallbackList[DocEventFunction](),
	}

	manager.tokenMonitor = NewTokenMonitor(
		settings.TokenMonitorSettings,
		func() bool {
			return manager.Status() == StatusAuthenticated
		},
		manager.TokenTimeRemaining,
	)

	if replica != nil {
		manager.replicaUnsub = replica.AddUpdateCallback(manager.forwardReplicaUpdate)
	}
	if presence != nil {
		manager.presenceUnsub = presence.AddChangeCallback(manager.forwardPresenceChange)
	}

	return manager
}

// the host identity used to key queued operations
func (self *ConnectionManager) HostId() string {
	return self.hostUrl
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stateLocked()
}

func (self *ConnectionManager) stateLocked() ConnectionState {
	return ConnectionState{
		Status:              self.status,
		ErrorMessage:        self.errorMessage,
		HostUrl:             self.hostUrl,
		ReconnectAttempts:   self.reconnectAttempts,
		LastAuthenticatedAt: self.lastAuthenticatedAt,
		Synced:              self.synced,
	}
}

func (self *ConnectionManager) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status
}

func (self *ConnectionManager) IsSynced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.synced
}

func (self *ConnectionManager) TokenMonitor() *TokenMonitor {
	return self.tokenMonitor
}

func (self *ConnectionManager) AddStatusCallback(statusCallback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

// fires the first time a sync step 2 message is processed on a connection
func (self *ConnectionManager) AddSyncedCallback(syncedCallback func()) func() {
	callbackId := self.syncedCallbacks.Add(syncedCallback)
	return func() {
		self.syncedCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) AddDocEventCallback(docEventCallback DocEventFunction) func() {
	callbackId := self.docEventCallbacks.Add(docEventCallback)
	return func() {
		self.docEventCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) setStatus(status ConnectionStatus, errorMessage string) {
	var state ConnectionState
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.status = status
		self.errorMessage = errorMessage
		if status == StatusAuthenticated {
			self.lastAuthenticatedAt = time.Now()
		}
		state = self.stateLocked()
	}()
	self.fireStatus(state)
}

func (self *ConnectionManager) fireStatus(state ConnectionState) {
	for _, statusCallback := range self.statusCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[c]status callback panic = %v\n", r)
				}
			}()
			statusCallback(state)
		}()
	}
}

// token lifecycle

// a zero `expiresAt` takes the expiry from the token's `exp` claim.
// a token with no recoverable expiry never expires.
func (self *ConnectionManager) SetToken(token string, expiresAt time.Time) {
	if expiresAt.IsZero() && token != "" {
		expiresAt = TokenExpiryFromJwt(token)
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.token = token
	self.tokenExpiresAt = expiresAt
}

func (self *ConnectionManager) IsTokenValid() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.token == "" {
		return false
	}
	if self.tokenExpiresAt.IsZero() {
		return true
	}
	return time.Now().Before(self.tokenExpiresAt)
}

// remaining time, and whether the token carries an expiry at all
func (self *ConnectionManager) TokenTimeRemaining() (time.Duration, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.token == "" || self.tokenExpiresAt.IsZero() {
		return 0, false
	}
	return time.Until(self.tokenExpiresAt), true
}

// binds the document this connection collaborates on. Sent as JOIN_DOC on
// every (re)connect, and immediately when already connected.
func (self *ConnectionManager) JoinDocument(documentId Id) error {
	self.stateLock.Lock()
	self.documentId = documentId
	self.documentBound = true
	connected := self.ws != nil
	self.stateLock.Unlock()

	if connected {
		return self.sendFrame(EncodeJoinDocFrame(documentId))
	}
	return nil
}

// no-op when a stream is already open or a dial is in progress
func (self *ConnectionManager) Connect() error {
	var connCtx context.Context
	var connCancel context.CancelFunc
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.ws != nil || self.status == StatusConnecting {
			return false
		}
		if self.reconnectTimer != nil {
			self.reconnectTimer.Stop()
			self.reconnectTimer = nil
		}
		self.intentionalClose = false
		// the transition happens under the lock so racing connects cannot
		// both pass the guard
		self.status = StatusConnecting
		self.errorMessage = ""
		connCtx, connCancel = context.WithCancel(self.ctx)
		self.connCtx = connCtx
		self.connCancel = connCancel
		return true
	}()
	if !ok {
		return nil
	}

	self.fireStatus(self.State())

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(connCtx, self.hostUrl, nil)
	if err != nil {
		canceled := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.connCtx != connCtx {
				// `Disconnect` tore this attempt down mid dial
				return true
			}
			self.connCtx = nil
			self.connCancel = nil
			return false
		}()
		connCancel()
		if canceled {
			return nil
		}
		glog.Infof("[c]connect %s error = %s\n", self.hostUrl, err)
		self.setStatus(StatusDisconnected, err.Error())
		self.maybeScheduleReconnect()
		return err
	}

	send := make(chan []byte, SendBufferSize)

	var token string
	var documentId Id
	var documentBound bool
	installed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.connCtx != connCtx || self.intentionalClose {
			return false
		}
		self.ws = ws
		self.send = send
		self.reconnectAttempts = 0
		self.status = StatusConnected
		self.errorMessage = ""
		token = self.token
		documentId = self.documentId
		documentBound = self.documentBound
		return true
	}()
	if !installed {
		// `Disconnect` won the race, the dialed stream is discarded
		connCancel()
		ws.Close()
		return nil
	}

	self.fireStatus(self.State())

	go self.writePump(connCtx, ws, send)
	go self.readPump(connCtx, ws)

	// handshake: auth, join, sync step 1, presence
	sendHandshake := func(frame []byte) {
		if err := self.sendFrame(frame); err != nil {
			glog.Infof("[cs]handshake dropped %s = %s\n", self.hostUrl, err)
		}
	}
	if token != "" {
		sendHandshake(EncodeAuthFrame(token))
		self.setStatus(StatusAuthenticating, "")
	}
	if documentBound {
		sendHandshake(EncodeJoinDocFrame(documentId))
	}
	if self.replica != nil {
		sendHandshake(EncodeSyncFrame(self.replica.StateVector()))
	}
	if self.presence != nil {
		if localState := self.presence.EncodeLocalState(); len(localState) > 0 {
			sendHandshake(EncodeAwarenessFrame(localState))
		}
	}

	return nil
}

// cancels any pending reconnect and closes the stream. Auto reconnect stays
// off until the next explicit `Connect`.
func (self *ConnectionManager) Disconnect() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.intentionalClose = true
		if self.reconnectTimer != nil {
			self.reconnectTimer.Stop()
			self.reconnectTimer = nil
		}
		self.teardownConnLocked()
	}()
	self.setStatus(StatusDisconnected, "")
}

// releases every resource: stream, timers, monitor, replica and presence
// subscriptions. The manager cannot be reused after close.
func (self *ConnectionManager) Close() {
	self.Disconnect()
	self.tokenMonitor.Stop()
	if self.replicaUnsub != nil {
		self.replicaUnsub()
		self.replicaUnsub = nil
	}
	if self.presenceUnsub != nil {
		self.presenceUnsub()
		self.presenceUnsub = nil
	}
	self.cancel()
}

// must be called with `stateLock`
func (self *ConnectionManager) teardownConnLocked() {
	if self.connCancel != nil {
		self.connCancel()
		self.connCancel = nil
	}
	self.connCtx = nil
	if self.ws != nil {
		self.ws.Close()
		self.ws = nil
	}
	self.send = nil
	self.synced = false
}

// the stream closed without a `Disconnect` call. `ws` is the pump's own
// stream: a late exit from an earlier generation must not tear down its
// successor.
func (self *ConnectionManager) handleClose(ws *websocket.Conn, err error) {
	intentional := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.ws != ws {
			// already torn down, or a newer connection owns the manager
			return true
		}
		self.teardownConnLocked()
		return self.intentionalClose
	}()
	if intentional {
		return
	}

	errorMessage := ""
	if err != nil {
		errorMessage = err.Error()
	}
	glog.Infof("[c]close %s = %s\n", self.hostUrl, errorMessage)
	self.setStatus(StatusDisconnected, errorMessage)
	self.maybeScheduleReconnect()
}

func (self *ConnectionManager) maybeScheduleReconnect() {
	if !self.settings.AutoReconnect {
		return
	}

	exhausted := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.intentionalClose {
			return
		}
		if self.reconnectTimer != nil {
			return
		}
		if self.settings.MaxReconnectAttempts <= self.reconnectAttempts {
			exhausted = true
			return
		}
		attempt := self.reconnectAttempts
		self.reconnectAttempts += 1
		delay := self.settings.ReconnectBaseDelay << uint(attempt)
		glog.Infof("[c]reconnect %s attempt %d in %s\n", self.hostUrl, attempt, delay)
		self.reconnectTimer = time.AfterFunc(delay, func() {
			self.stateLock.Lock()
			self.reconnectTimer = nil
			self.stateLock.Unlock()
			self.Connect()
		})
	}()

	if exhausted {
		glog.Infof("[c]reconnect %s attempts exhausted\n", self.hostUrl)
		self.setStatus(StatusError, "reconnect attempts exhausted")
	}
}

// send path

func (self *ConnectionManager) sendFrame(frame []byte) error {
	self.stateLock.Lock()
	send := self.send
	self.stateLock.Unlock()

	if send == nil {
		return errNotConnected
	}
	select {
	case send <- frame:
		return nil
	case <-self.ctx.Done():
		return errNotConnected
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("send timeout")
	}
}

func (self *ConnectionManager) SendDocumentSave(document *DocSnapshot) error {
	return self.sendFrame(EncodeDocSaveFrame(document))
}

func (self *ConnectionManager) SendDocumentDelete(documentId Id) error {
	return self.sendFrame(EncodeDocDeleteFrame(documentId))
}

func (self *ConnectionManager) SendDocumentGet(documentId Id) error {
	return self.sendFrame(EncodeDocGetFrame(documentId))
}

func (self *ConnectionManager) SendDocumentList() error {
	return self.sendFrame(EncodeDocListFrame())
}

func (self *ConnectionManager) SendAuthLogin(userAuth string, password string) error {
	return self.sendFrame(EncodeAuthLoginFrame(userAuth, password))
}

func (self *ConnectionManager) writePump(ctx context.Context, ws *websocket.Conn, send chan []byte) {
	defer ws.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				// a deadline timeout cannot be recovered on a websocket
				glog.Infof("[cs]%s-> error = %s\n", self.hostUrl, err)
				return
			}
			glog.V(2).Infof("[cs]%s->\n", self.hostUrl)
		case <-time.After(self.settings.PingInterval):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *ConnectionManager) readPump(ctx context.Context, ws *websocket.Conn) {
	var readErr error
	defer func() {
		self.handleClose(ws, readErr)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if 0 < self.settings.ReadTimeout {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				glog.V(2).Infof("[cr]ping %s<-\n", self.hostUrl)
				continue
			}
			self.handleFrame(message)
		default:
			glog.V(2).Infof("[cr]other=%d %s<-\n", messageType, self.hostUrl)
		}
	}
}

func (self *ConnectionManager) handleFrame(frame []byte) {
	messageTag, payload, err := DecodeFrame(frame)
	if err != nil {
		glog.Infof("[cr]bad frame %s<- = %s\n", self.hostUrl, err)
		return
	}
	glog.V(2).Infof("[cr]%s %s<-\n", messageTag, self.hostUrl)

	switch messageTag {
	case MessageTagSync:
		self.handleSync(payload)
	case MessageTagAwareness:
		if self.presence != nil {
			self.presence.ApplyUpdate(payload, self)
		}
	case MessageTagAuth:
		// auth ack from the host
		self.setStatus(StatusAuthenticated, "")
	case MessageTagDocEvent:
		documentId, kind, err := DecodeDocEventFrame(payload)
		if err != nil {
			glog.Infof("[cr]bad doc event %s<- = %s\n", self.hostUrl, err)
			return
		}
		for _, docEventCallback := range self.docEventCallbacks.Get() {
			func() {
				defer recover()
				docEventCallback(documentId, kind)
			}()
		}
	default:
		// unknown tags are not fatal, newer peers may send them
		glog.V(2).Infof("[cr]ignore %s %s<-\n", messageTag, self.hostUrl)
	}
}

func (self *ConnectionManager) handleSync(payload []byte) {
	if self.replica == nil {
		return
	}
	reply, kind, err := self.replica.ReadSyncMessage(payload, self)
	if err != nil {
		glog.Infof("[cr]sync error %s<- = %s\n", self.hostUrl, err)
		return
	}
	if 0 < len(reply) {
		self.sendFrame(EncodeSyncFrame(reply))
	}
	if kind == SyncMessageStep2 {
		firstSync := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if self.synced {
				return false
			}
			self.synced = true
			return true
		}()
		if firstSync {
			for _, syncedCallback := range self.syncedCallbacks.Get() {
				func() {
					defer recover()
					syncedCallback()
				}()
			}
		}
	}
}

// local replica updates go out as incremental sync frames, unless this
// manager itself applied them (echo suppression)
func (self *ConnectionManager) forwardReplicaUpdate(update []byte, origin any) {
	if origin == any(self) {
		return
	}
	if err := self.sendFrame(EncodeSyncFrame(update)); err != nil {
		glog.V(1).Infof("[cs]update dropped %s = %s\n", self.hostUrl, err)
	}
}

// local presence changes go out only when the local client is in the change
// set; remote origin changes are not re-broadcast
func (self *ConnectionManager) forwardPresenceChange(changedClientIds []uint64, origin any) {
	if origin == any(self) {
		return
	}
	if !slices.Contains(changedClientIds, self.presence.LocalClientId()) {
		return
	}
	if err := self.sendFrame(EncodeAwarenessFrame(self.presence.EncodeLocalState())); err != nil {
		glog.V(1).Infof("[cs]presence dropped %s = %s\n", self.hostUrl, err)
	}
}
