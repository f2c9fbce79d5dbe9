package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/driftsync/driftsync"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// reject reasons on the wire
const (
	RejectReasonVersionConflict = "version_conflict"
	RejectReasonUnknownEntity   = "unknown_entity"
	RejectReasonMalformed       = "malformed"
)

const (
	sessionWriteTimeout = 10 * time.Second
	maxChangeBytes      = 1024 * 1024
)

// Service terminates the sync protocol on one node:
//
//	GET  /v1/ws       websocket channel (subscribe, changes, heartbeats)
//	GET  /v1/events   server-sent event stream for fallback sessions
//	POST /v1/changes  request/response sends for fallback sessions
//	GET  /v1/latest   latest committed record for one key
//	GET  /metrics     prometheus metrics, unauthenticated
//
// Every session replays the committed backlog behind its cursor before
// going live, and the `synced` message marks that boundary.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	config    *Config
	changeLog ChangeLog
	hub       *Hub
	upgrader  *websocket.Upgrader
}

func NewService(ctx context.Context, config *Config, changeLog ChangeLog, hub *Hub) *Service {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:       cancelCtx,
		cancel:    cancel,
		config:    config,
		changeLog: changeLog,
		hub:       hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Service) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", self.requireAuth(self.handleWs))
	mux.HandleFunc("/v1/events", self.requireAuth(self.handleEvents))
	mux.HandleFunc("/v1/changes", self.requireAuth(self.handleChanges))
	mux.HandleFunc("/v1/latest", self.requireAuth(self.handleLatest))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (self *Service) Close() {
	self.cancel()
}

type authedHandler = func(w http.ResponseWriter, r *http.Request, clientId driftsync.Id)

func (self *Service) requireAuth(handler authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byJwt := bearerToken(r)
		if byJwt == "" {
			http.Error(w, "401 missing bearer token", http.StatusUnauthorized)
			return
		}
		clientId, err := VerifyClientToken(self.config.JwtSecret, byJwt)
		if err != nil {
			glog.V(1).Infof("[s]auth err = %s\n", err)
			http.Error(w, "401 unauthorized", http.StatusUnauthorized)
			return
		}
		handler(w, r, clientId)
	}
}

func (self *Service) knownEntity(entity string) bool {
	if len(self.config.Entities) == 0 {
		return true
	}
	return slices.Contains(self.config.Entities, entity)
}

// session is the send side of one live ws or event stream connection.
// Committed changes that land while the replay backfills are held aside so
// the stream stays in sequence order, then released above the replay
// boundary.
type session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	clientId driftsync.Id
	sends    chan *driftsync.Envelope

	stateLock   sync.Mutex
	replaying   bool
	heldChanges []*driftsync.Envelope
}

func newSession(ctx context.Context, clientId driftsync.Id, sendQueueSize int) *session {
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	return &session{
		ctx:      sessionCtx,
		cancel:   sessionCancel,
		clientId: clientId,
		sends:    make(chan *driftsync.Envelope, sendQueueSize),
	}
}

// enqueue delivers without blocking. A session that cannot drain its queue
// is dropped, and the client re-syncs from its cursor.
func (self *session) enqueue(envelope *driftsync.Envelope) bool {
	select {
	case self.sends <- envelope:
		return true
	default:
		glog.V(1).Infof("[s]%s dropping slow session\n", self.clientId)
		metricSlowDisconnectsTotal.Inc()
		self.cancel()
		return false
	}
}

// enqueueWait blocks until the writer drains. Only the replay path uses
// this, from its own goroutine.
func (self *session) enqueueWait(envelope *driftsync.Envelope) bool {
	select {
	case self.sends <- envelope:
		return true
	case <-self.ctx.Done():
		return false
	}
}

func (self *session) enqueueChange(record *driftsync.ChangeRecord) {
	envelope := driftsync.ToEnvelope(record)
	self.stateLock.Lock()
	if self.replaying {
		self.heldChanges = append(self.heldChanges, envelope)
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()
	if self.enqueue(envelope) {
		metricFanoutTotal.Inc()
	}
}

func (self *session) beginReplay() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.replaying = true
	self.heldChanges = nil
}

// endReplay releases the held changes the replay did not already cover
func (self *session) endReplay(replayedThrough uint64) {
	self.stateLock.Lock()
	held := self.heldChanges
	self.heldChanges = nil
	self.replaying = false
	self.stateLock.Unlock()

	for _, envelope := range held {
		if replayedThrough < envelope.Sequence {
			self.enqueue(envelope)
		}
	}
}

// subscribeSession registers for live commits, then replays the backlog
// behind `cursor` and marks the boundary with a `synced` message.
func (self *Service) subscribeSession(s *session, entities []string, cursor uint64) func() {
	s.beginReplay()
	unsubscribe := self.hub.Subscribe(entities, s.enqueueChange)
	go func() {
		replayedThrough := cursor
		err := self.changeLog.ReplayFrom(s.ctx, cursor, entities, func(record *driftsync.ChangeRecord) bool {
			replayedThrough = record.Sequence
			return s.enqueueWait(driftsync.ToEnvelope(record))
		})
		if err != nil {
			glog.V(1).Infof("[s]%s replay err = %s\n", s.clientId, err)
			s.cancel()
			return
		}
		s.enqueueWait(&driftsync.Envelope{
			Type:     driftsync.MessageTypeSynced,
			Sequence: replayedThrough,
		})
		s.endReplay(replayedThrough)
		glog.V(1).Infof("[s]%s synced through %d\n", s.clientId, replayedThrough)
	}()
	return unsubscribe
}

// append commits one submitted mutation. The returned envelope is the ack
// or reject to send back. An error means the outcome is unknown and
// nothing must be sent, so the client retries later.
func (self *Service) append(ctx context.Context, clientId driftsync.Id, envelope *driftsync.Envelope) (*driftsync.Envelope, error) {
	reject := func(reason string, current uint64) *driftsync.Envelope {
		response := &driftsync.Envelope{
			Type:    driftsync.MessageTypeReject,
			Reason:  reason,
			Version: current,
		}
		if envelope.Token != nil {
			response.Token = envelope.Token
		}
		return response
	}

	record, err := driftsync.FromEnvelope(envelope)
	if err != nil {
		glog.V(1).Infof("[s]%s malformed change = %s\n", clientId, err)
		metricAppendsTotal.WithLabelValues(appendOutcomeRejected).Inc()
		return reject(RejectReasonMalformed, 0), nil
	}
	// the session identity is authoritative
	record.OriginClient = clientId
	if !self.knownEntity(record.Entity) {
		metricAppendsTotal.WithLabelValues(appendOutcomeRejected).Inc()
		return reject(RejectReasonUnknownEntity, 0), nil
	}

	start := time.Now()
	outcome, err := self.changeLog.Append(ctx, record)
	metricAppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var conflict *VersionConflictError
		if errors.As(err, &conflict) {
			metricAppendsTotal.WithLabelValues(appendOutcomeConflict).Inc()
			return reject(RejectReasonVersionConflict, conflict.Current), nil
		}
		metricAppendsTotal.WithLabelValues(appendOutcomeError).Inc()
		glog.Warningf("[s]%s append err = %s\n", clientId, err)
		return nil, err
	}
	if outcome.Duplicate {
		metricAppendsTotal.WithLabelValues(appendOutcomeDuplicate).Inc()
	} else {
		metricAppendsTotal.WithLabelValues(appendOutcomeCommit).Inc()
	}
	token := outcome.Record.Token
	return &driftsync.Envelope{
		Type:     driftsync.MessageTypeAck,
		Token:    &token,
		Version:  outcome.Record.Version,
		Sequence: outcome.Record.Sequence,
	}, nil
}

func (self *Service) handleWs(w http.ResponseWriter, r *http.Request, clientId driftsync.Id) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[s]%s upgrade err = %s\n", clientId, err)
		return
	}
	defer ws.Close()
	metricSessions.WithLabelValues("ws").Inc()
	defer metricSessions.WithLabelValues("ws").Dec()

	s := newSession(self.ctx, clientId, self.config.Session.SendQueueSize)
	defer s.cancel()

	// single writer owns the socket writes
	writeDone := make(chan struct{})
	go func() {
		defer func() {
			s.cancel()
			close(writeDone)
		}()
		for {
			select {
			case <-s.ctx.Done():
				return
			case envelope := <-s.sends:
				ws.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, driftsync.RequireEncodeMessage(envelope)); err != nil {
					glog.V(1).Infof("[s]%s write err = %s\n", clientId, err)
					return
				}
			}
		}
	}()

	var unsubscribe func()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	// the client heartbeats on its probe interval, so a quiet socket is a
	// dead socket
	readTimeout := 2*self.config.HeartbeatInterval() + 30*time.Second
	for {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		_, frame, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[s]%s read err = %s\n", clientId, err)
			break
		}
		envelope, err := driftsync.DecodeMessage(frame)
		if err != nil {
			glog.V(2).Infof("[s]%s drop unreadable message = %s\n", clientId, err)
			continue
		}
		switch envelope.Type {
		case driftsync.MessageTypeSubscribe:
			if unsubscribe != nil {
				unsubscribe()
			}
			unsubscribe = self.subscribeSession(s, envelope.Entities, envelope.Cursor)
		case driftsync.MessageTypePing:
			s.enqueue(&driftsync.Envelope{
				Type:      driftsync.MessageTypePong,
				Timestamp: time.Now().UnixMilli(),
			})
		case driftsync.MessageTypeChange, driftsync.MessageTypeFieldChange:
			outcome, err := self.append(s.ctx, clientId, envelope)
			if err != nil {
				// unknown outcome. say nothing and let the client retry.
				continue
			}
			s.enqueue(outcome)
		default:
			// tolerate message types this version does not know
			glog.V(2).Infof("[s]%s ignore message type %s\n", clientId, envelope.Type)
		}
	}
	s.cancel()
	<-writeDone
}

func (self *Service) handleEvents(w http.ResponseWriter, r *http.Request, clientId driftsync.Id) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "500 streaming unsupported", http.StatusInternalServerError)
		return
	}

	entities := []string{}
	if v := r.URL.Query().Get("entities"); v != "" {
		entities = strings.Split(v, ",")
	}
	cursor := uint64(0)
	if v := r.URL.Query().Get("cursor"); v != "" {
		cursor, _ = strconv.ParseUint(v, 10, 64)
	}
	// a reconnecting stream resumes from the last event it saw
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if lastEventId, err := strconv.ParseUint(v, 10, 64); err == nil && cursor < lastEventId {
			cursor = lastEventId
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metricSessions.WithLabelValues("sse").Inc()
	defer metricSessions.WithLabelValues("sse").Dec()

	s := newSession(r.Context(), clientId, self.config.Session.SendQueueSize)
	defer s.cancel()
	go func() {
		// service shutdown also ends the stream
		select {
		case <-self.ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	unsubscribe := self.subscribeSession(s, entities, cursor)
	defer unsubscribe()

	heartbeatInterval := self.config.HeartbeatInterval()
	for {
		select {
		case <-s.ctx.Done():
			return
		case envelope := <-s.sends:
			if err := writeEvent(w, envelope); err != nil {
				return
			}
			flusher.Flush()
		case <-time.After(heartbeatInterval):
			if _, err := fmt.Fprint(w, ": hb\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, envelope *driftsync.Envelope) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", envelope.Type); err != nil {
		return err
	}
	if envelope.Sequence != 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", envelope.Sequence); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", driftsync.RequireEncodeMessage(envelope))
	return err
}

func (self *Service) handleChanges(w http.ResponseWriter, r *http.Request, clientId driftsync.Id) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChangeBytes))
	if err != nil {
		http.Error(w, "400 unreadable body", http.StatusBadRequest)
		return
	}
	envelope, err := driftsync.DecodeMessage(body)
	if err != nil {
		http.Error(w, "400 malformed message", http.StatusBadRequest)
		return
	}
	switch envelope.Type {
	case driftsync.MessageTypeChange, driftsync.MessageTypeFieldChange:
	default:
		http.Error(w, "400 not a change message", http.StatusBadRequest)
		return
	}
	outcome, err := self.append(r.Context(), clientId, envelope)
	if err != nil {
		http.Error(w, "500 append failed", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if outcome.Type == driftsync.MessageTypeReject {
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(driftsync.RequireEncodeMessage(outcome))
}

func (self *Service) handleLatest(w http.ResponseWriter, r *http.Request, clientId driftsync.Id) {
	entity := r.URL.Query().Get("entity")
	entityId := r.URL.Query().Get("entity_id")
	field := r.URL.Query().Get("field")
	if entity == "" || entityId == "" {
		http.Error(w, "400 entity and entity_id required", http.StatusBadRequest)
		return
	}
	record, ok, err := self.changeLog.LatestByKey(r.Context(), driftsync.RecordKey{
		Entity:   entity,
		EntityId: entityId,
		Field:    field,
	})
	if err != nil {
		glog.Warningf("[s]latest err = %s\n", err)
		http.Error(w, "500 lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "404 not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(driftsync.RequireEncodeMessage(driftsync.ToEnvelope(record)))
}
