package driftsync

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ReceiveFunction = func(envelope *Envelope)
type StateChangeFunction = func(oldState ConnectionState, newState ConnectionState)

// CursorFunction returns the highest committed sequence the engine has
// durably applied. Every subscribe and stream attach replays from here.
type CursorFunction = func() uint64

type TransportSettings struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// consecutive failed primary connects before the permanent downgrade
	// to the fallback channel
	MaxConnectAttempts int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// how long a primary send waits for the server outcome
	AckTimeout time.Duration

	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration

	// delay between event stream attaches while in fallback
	FallbackRetryDelay time.Duration
	// per-request limit for fallback sends
	RequestTimeout time.Duration

	Clock Clock
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		MaxConnectAttempts: 10,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatTimeout:   5 * time.Second,
		AckTimeout:         15 * time.Second,
		WsHandshakeTimeout: 10 * time.Second,
		WriteTimeout:       10 * time.Second,
		FallbackRetryDelay: 5 * time.Second,
		RequestTimeout:     15 * time.Second,
		Clock:              SystemClock(),
	}
}

type sendRequest struct {
	frame  []byte
	result chan error
}

type transportSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	sends  chan *sendRequest
}

// TransportManager owns the server channel for one engine context. The
// primary channel is a websocket. After `MaxConnectAttempts` consecutive
// failed connects the manager downgrades permanently to a server-sent event
// stream plus request/response sends, and only an external `Reset` re-arms
// the primary.
//
// Exactly one connect cycle runs at a time. `Reset` abandons the current
// cycle, including an in-flight connect attempt, before starting the next.
type TransportManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl   string
	auth     *ClientAuth
	clientId Id
	entities []string
	cursor   CursorFunction
	settings *TransportSettings

	requestClient *http.Client
	streamClient  *http.Client

	receiveCallbacks     *CallbackList[ReceiveFunction]
	stateChangeCallbacks *CallbackList[StateChangeFunction]

	stateLock   sync.Mutex
	state       ConnectionState
	session     *transportSession
	runCancel   context.CancelFunc
	pendingAcks map[Id]chan error
}

func NewTransportManagerWithDefaults(
	ctx context.Context,
	apiUrl string,
	auth *ClientAuth,
	entities []string,
	cursor CursorFunction,
) (*TransportManager, error) {
	return NewTransportManager(ctx, apiUrl, auth, entities, cursor, DefaultTransportSettings())
}

func NewTransportManager(
	ctx context.Context,
	apiUrl string,
	auth *ClientAuth,
	entities []string,
	cursor CursorFunction,
	settings *TransportSettings,
) (*TransportManager, error) {
	clientId, err := auth.ClientId()
	if err != nil {
		return nil, err
	}
	if settings.Clock == nil {
		settings.Clock = SystemClock()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TransportManager{
		ctx:                  cancelCtx,
		cancel:               cancel,
		apiUrl:               apiUrl,
		auth:                 auth,
		clientId:             clientId,
		entities:             entities,
		cursor:               cursor,
		settings:             settings,
		requestClient:        newRequestClient(settings.RequestTimeout),
		streamClient:         newStreamClient(),
		receiveCallbacks:     NewCallbackList[ReceiveFunction](),
		stateChangeCallbacks: NewCallbackList[StateChangeFunction](),
		state:                ConnectionStateDisconnected,
		pendingAcks:          map[Id]chan error{},
	}, nil
}

func newRequestClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: 15 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: timeout,
	}
}

func newStreamClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 15 * time.Second,
	}
	// no overall timeout. the event stream stays open indefinitely.
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func (self *TransportManager) ClientId() Id {
	return self.clientId
}

func (self *TransportManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *TransportManager) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *TransportManager) AddStateChangeCallback(stateChangeCallback StateChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}

// Connect starts the connect cycle. Calling `Connect` while a cycle is
// already running does nothing.
func (self *TransportManager) Connect() {
	self.stateLock.Lock()
	if self.runCancel != nil {
		self.stateLock.Unlock()
		return
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	self.stateLock.Unlock()

	go self.run(runCtx)
}

// Reset abandons the current session, including a permanent fallback, and
// starts over on the primary channel with a fresh attempt count.
func (self *TransportManager) Reset() {
	self.stateLock.Lock()
	if self.runCancel != nil {
		self.runCancel()
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	self.stateLock.Unlock()

	go self.run(runCtx)
}

func (self *TransportManager) Close() {
	self.stateLock.Lock()
	if self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
	self.stateLock.Unlock()
	self.cancel()
	self.failPendingAcks(ErrTransportClosed)
	self.transition(ConnectionStateDisconnected)
}

func (self *TransportManager) transition(state ConnectionState) {
	var oldState ConnectionState
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state != state {
			oldState = self.state
			self.state = state
			changed = true
		}
	}()
	if !changed {
		return
	}
	glog.Infof("[t]%s %s -> %s\n", self.clientId, oldState, state)
	for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
		HandleError(func() {
			stateChangeCallback(oldState, state)
		})
	}
}

// transitionIfActive drops transitions from a superseded connect cycle
func (self *TransportManager) transitionIfActive(ctx context.Context, state ConnectionState) {
	select {
	case <-ctx.Done():
		return
	default:
	}
	self.transition(state)
}

func (self *TransportManager) run(ctx context.Context) {
	backoff := &reconnectBackoff{
		baseDelay: self.settings.ReconnectBaseDelay,
		maxDelay:  self.settings.ReconnectMaxDelay,
	}
	attempt := 0
	self.transitionIfActive(ctx, ConnectionStateConnecting)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ws, err := self.dial(ctx)
		if err == nil {
			// a fresh successful connection resets the attempt count
			attempt = 0
			self.transitionIfActive(ctx, ConnectionStateConnected)
			self.runSession(ctx, ws)
			select {
			case <-ctx.Done():
				return
			default:
			}
			self.transitionIfActive(ctx, ConnectionStateReconnecting)
			continue
		}
		glog.V(1).Infof("[t]%s connect err = %s\n", self.clientId, err)
		attempt += 1
		self.transitionIfActive(ctx, ConnectionStateReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-self.settings.Clock.After(backoff.delay(attempt)):
		}
		if self.settings.MaxConnectAttempts <= attempt {
			glog.Infof(
				"[t]%s primary exhausted after %d attempts, downgrading to event stream\n",
				self.clientId,
				attempt,
			)
			self.transitionIfActive(ctx, ConnectionStateFallbackSse)
			self.runFallback(ctx)
			return
		}
	}
}

func (self *TransportManager) dial(ctx context.Context) (*websocket.Conn, error) {
	wsUrl, err := websocketUrl(self.apiUrl, "/v1/ws")
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
	ws, _, err := dialer.DialContext(ctx, wsUrl, header)
	return ws, err
}

func (self *TransportManager) runSession(ctx context.Context, ws *websocket.Conn) {
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	session := &transportSession{
		ctx:    sessionCtx,
		cancel: sessionCancel,
		sends:  make(chan *sendRequest, 32),
	}
	self.setSession(session)
	defer func() {
		sessionCancel()
		ws.Close()
		self.setSession(nil)
		self.failPendingAcks(ErrTransportUnavailable)
	}()

	pongs := make(chan struct{}, 1)

	readDone := make(chan struct{})
	go func() {
		defer func() {
			sessionCancel()
			close(readDone)
		}()
		readTimeout := self.settings.HeartbeatInterval + 2*self.settings.HeartbeatTimeout
		for {
			ws.SetReadDeadline(time.Now().Add(readTimeout))
			_, frame, err := ws.ReadMessage()
			if err != nil {
				glog.V(1).Infof("[t]%s read err = %s\n", self.clientId, err)
				return
			}
			envelope, err := DecodeMessage(frame)
			if err != nil {
				glog.V(2).Infof("[t]%s drop unreadable message = %s\n", self.clientId, err)
				continue
			}
			switch envelope.Type {
			case MessageTypeAck:
				if envelope.Token != nil {
					self.resolveAck(*envelope.Token, nil)
				}
			case MessageTypeReject:
				if envelope.Token != nil {
					self.resolveAck(*envelope.Token, &RejectError{
						Token:   *envelope.Token,
						Reason:  envelope.Reason,
						Version: envelope.Version,
					})
				}
			case MessageTypePong:
				select {
				case pongs <- struct{}{}:
				default:
				}
			case MessageTypePing:
				go self.sessionSend(session, RequireEncodeMessage(&Envelope{Type: MessageTypePong}))
			default:
				self.receive(envelope)
			}
		}
	}()

	// single writer owns the socket writes
	go func() {
		defer sessionCancel()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case send := <-session.sends:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				err := ws.WriteMessage(websocket.TextMessage, send.frame)
				send.result <- err
				if err != nil {
					glog.V(1).Infof("[t]%s write err = %s\n", self.clientId, err)
					return
				}
			}
		}
	}()

	// heartbeat prober. a probe without a response inside the timeout
	// declares the channel dead.
	go func() {
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-self.settings.Clock.After(self.settings.HeartbeatInterval):
			}
			select {
			case <-pongs:
			default:
			}
			err := self.sessionSend(session, RequireEncodeMessage(&Envelope{Type: MessageTypePing}))
			if err != nil {
				sessionCancel()
				return
			}
			select {
			case <-sessionCtx.Done():
				return
			case <-pongs:
			case <-self.settings.Clock.After(self.settings.HeartbeatTimeout):
				glog.Infof("[t]%s heartbeat timeout\n", self.clientId)
				self.failPendingAcks(ErrHeartbeatTimeout)
				sessionCancel()
				return
			}
		}
	}()

	subscribe := &Envelope{
		Type:     MessageTypeSubscribe,
		Entities: self.entities,
		Cursor:   self.cursor(),
	}
	if err := self.sessionSend(session, RequireEncodeMessage(subscribe)); err != nil {
		sessionCancel()
	}

	<-sessionCtx.Done()
	ws.Close()
	<-readDone
}

func (self *TransportManager) setSession(session *transportSession) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.session = session
}

func (self *TransportManager) getSession() *transportSession {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.session
}

func (self *TransportManager) sessionSend(session *transportSession, frame []byte) error {
	send := &sendRequest{
		frame:  frame,
		result: make(chan error, 1),
	}
	select {
	case <-session.ctx.Done():
		return ErrTransportUnavailable
	case session.sends <- send:
	}
	select {
	case <-session.ctx.Done():
		return ErrTransportUnavailable
	case err := <-send.result:
		return err
	}
}

func (self *TransportManager) registerAck(token Id) chan error {
	ackResult := make(chan error, 1)
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pendingAcks[token] = ackResult
	return ackResult
}

func (self *TransportManager) unregisterAck(token Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.pendingAcks, token)
}

func (self *TransportManager) resolveAck(token Id, outcome error) {
	self.stateLock.Lock()
	ackResult, ok := self.pendingAcks[token]
	if ok {
		delete(self.pendingAcks, token)
	}
	self.stateLock.Unlock()
	if ok {
		ackResult <- outcome
	}
}

func (self *TransportManager) failPendingAcks(err error) {
	self.stateLock.Lock()
	pending := self.pendingAcks
	self.pendingAcks = map[Id]chan error{}
	self.stateLock.Unlock()
	for _, ackResult := range pending {
		ackResult <- err
	}
}

// Send submits one authored record and blocks until the server outcome is
// known. nil means acknowledged and durable at the server. A `*RejectError`
// means the server definitively refused the mutation and it must not be
// retried. Any other error is a transport failure: the outcome is unknown
// and the record stays queued for a later attempt.
func (self *TransportManager) Send(ctx context.Context, record *ChangeRecord) error {
	switch self.State() {
	case ConnectionStateConnected:
		return self.sendPrimary(ctx, record)
	case ConnectionStateFallbackSse:
		return self.sendFallback(ctx, record)
	default:
		return ErrTransportUnavailable
	}
}

func (self *TransportManager) sendPrimary(ctx context.Context, record *ChangeRecord) error {
	session := self.getSession()
	if session == nil {
		return ErrTransportUnavailable
	}
	frame, err := EncodeMessage(ToEnvelope(record))
	if err != nil {
		return err
	}
	ackResult := self.registerAck(record.Token)
	defer self.unregisterAck(record.Token)
	if err := self.sessionSend(session, frame); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-session.ctx.Done():
		return ErrTransportUnavailable
	case err := <-ackResult:
		return err
	case <-self.settings.Clock.After(self.settings.AckTimeout):
		return ErrAckTimeout
	}
}

func (self *TransportManager) sendFallback(ctx context.Context, record *ChangeRecord) error {
	frame, err := EncodeMessage(ToEnvelope(record))
	if err != nil {
		return err
	}
	changesUrl, err := httpUrl(self.apiUrl, "/v1/changes")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", changesUrl, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
	r, err := self.requestClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	switch r.StatusCode {
	case http.StatusOK, http.StatusConflict:
		envelope, err := DecodeMessage(body)
		if err != nil {
			return err
		}
		switch envelope.Type {
		case MessageTypeAck:
			return nil
		case MessageTypeReject:
			reject := &RejectError{
				Reason:  envelope.Reason,
				Version: envelope.Version,
			}
			if envelope.Token != nil {
				reject.Token = *envelope.Token
			}
			return reject
		default:
			return fmt.Errorf("Unexpected response message type: %s", envelope.Type)
		}
	default:
		return fmt.Errorf("Send failed with status %d: %s", r.StatusCode, strings.TrimSpace(string(body)))
	}
}

// runFallback owns the session after the primary channel is exhausted. The
// state stays `fallback_sse` while the event stream is re-established as
// needed. Only `Reset` leaves this state.
func (self *TransportManager) runFallback(ctx context.Context) {
	for {
		err := self.runEventStream(ctx)
		select {
		case <-ctx.Done():
			return
		default:
		}
		glog.V(1).Infof("[t]%s event stream err = %s\n", self.clientId, err)
		select {
		case <-ctx.Done():
			return
		case <-self.settings.Clock.After(self.settings.FallbackRetryDelay):
		}
	}
}

func (self *TransportManager) runEventStream(ctx context.Context) error {
	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()

	eventsUrl, err := httpUrl(self.apiUrl, "/v1/events")
	if err != nil {
		return err
	}
	u, err := url.Parse(eventsUrl)
	if err != nil {
		return err
	}
	query := u.Query()
	query.Set("entities", strings.Join(self.entities, ","))
	query.Set("cursor", strconv.FormatUint(self.cursor(), 10))
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(streamCtx, "GET", u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))

	r, err := self.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(r.Body)
		return fmt.Errorf("Event stream failed with status %d: %s", r.StatusCode, strings.TrimSpace(string(body)))
	}

	// the service heartbeats the stream, so a quiet stream is a dead stream
	var lastRead atomic.Int64
	lastRead.Store(self.settings.Clock.Now().UnixNano())
	go func() {
		quietLimit := self.settings.HeartbeatInterval + self.settings.HeartbeatTimeout
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-self.settings.Clock.After(self.settings.HeartbeatTimeout):
			}
			quiet := self.settings.Clock.Now().UnixNano() - lastRead.Load()
			if int64(quietLimit) < quiet {
				glog.Infof("[t]%s event stream heartbeat timeout\n", self.clientId)
				streamCancel()
				return
			}
		}
	}()

	reader := bufio.NewReader(r.Body)
	eventData := []byte{}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		lastRead.Store(self.settings.Clock.Now().UnixNano())
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if 0 < len(eventData) {
				self.receiveEvent(eventData)
			}
			eventData = []byte{}
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line[len("data:"):], " ")
			if 0 < len(eventData) {
				eventData = append(eventData, '\n')
			}
			eventData = append(eventData, value...)
		default:
			// event: and id: lines repeat what the envelope carries
		}
	}
}

func (self *TransportManager) receiveEvent(eventData []byte) {
	envelope, err := DecodeMessage(eventData)
	if err != nil {
		glog.V(2).Infof("[t]%s drop unreadable event = %s\n", self.clientId, err)
		return
	}
	self.receive(envelope)
}

func (self *TransportManager) receive(envelope *Envelope) {
	switch envelope.Type {
	case MessageTypeChange, MessageTypeFieldChange, MessageTypeSynced:
	default:
		// tolerate message types this version does not know
		glog.V(2).Infof("[t]%s ignore message type %s\n", self.clientId, envelope.Type)
		return
	}
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		HandleError(func() {
			receiveCallback(envelope)
		})
	}
}

func websocketUrl(apiUrl string, route string) (string, error) {
	u, err := url.Parse(apiUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("Unsupported url scheme: %s", u.Scheme)
	}
	u.Path = path.Join(u.Path, route)
	return u.String(), nil
}

func httpUrl(apiUrl string, route string) (string, error) {
	u, err := url.Parse(apiUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("Unsupported url scheme: %s", u.Scheme)
	}
	u.Path = path.Join(u.Path, route)
	return u.String(), nil
}
