package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pollenisator/internal/auth"
	"pollenisator/internal/metrics"
	"pollenisator/internal/models"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

// DefaultRPCTimeout bounds how long a worker reply is awaited.
const DefaultRPCTimeout = 3 * time.Second

// Session is one connected peer, a worker or a notification client.
type Session interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// HandlerFunc handles an inbound event of a session.
type HandlerFunc func(ctx context.Context, s Session, data json.RawMessage) error

// TokenValidator checks the tokens presented by notification clients.
type TokenValidator interface {
	Validate(value, engagement string) (auth.Token, error)
}

// Forwarder relays change events outside the process.
type Forwarder interface {
	Forward(ev models.ChangeEvent) error
}

// Hub is the single broadcast primitive: rooms of sessions, worker name
// bindings, inbound event handlers and worker RPC futures.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]Session
	rooms        map[string]map[string]struct{}
	sessionRooms map[string]map[string]struct{}
	workers      map[string]string
	handlers     map[string]HandlerFunc
	subscribers  []func(models.ChangeEvent)
	onDetach     []func(sid string)

	rpc *rpcTable

	tokens    TokenValidator
	validator *Validator
	forwarder Forwarder
	metrics   *metrics.Metrics
	logger    *logger.Logger
}

type HubOption func(*Hub)

func WithTokenValidator(v TokenValidator) HubOption {
	return func(h *Hub) { h.tokens = v }
}

func WithValidator(v *Validator) HubOption {
	return func(h *Hub) { h.validator = v }
}

func WithForwarder(f Forwarder) HubOption {
	return func(h *Hub) { h.forwarder = f }
}

func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

func WithLogger(l *logger.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

func WithRPCTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.rpc.timeout = d
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions:     make(map[string]Session),
		rooms:        make(map[string]map[string]struct{}),
		sessionRooms: make(map[string]map[string]struct{}),
		workers:      make(map[string]string),
		handlers:     make(map[string]HandlerFunc),
		rpc:          newRPCTable(DefaultRPCTimeout),
		logger:       logger.NewLogger(logrus.InfoLevel),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.handlers[EventRegisterForNotifications] = h.handleRegisterForNotifications
	h.handlers[EventGetProgressResult] = h.handleProgressResult
	return h
}

// Attach adds a connected session. It joins no room until it registers.
func (h *Hub) Attach(s Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.sessionRooms[s.ID()] = make(map[string]struct{})
	h.mu.Unlock()
	h.metrics.SessionAttached()
}

// Detach forgets a session, its rooms and any worker bound to it.
func (h *Hub) Detach(sid string) {
	h.mu.Lock()
	if _, ok := h.sessions[sid]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sid)
	for room := range h.sessionRooms[sid] {
		delete(h.rooms[room], sid)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.sessionRooms, sid)
	for name, bound := range h.workers {
		if bound == sid {
			delete(h.workers, name)
		}
	}
	callbacks := append([]func(string){}, h.onDetach...)
	h.mu.Unlock()

	h.metrics.SessionDetached()
	for _, cb := range callbacks {
		cb(sid)
	}
}

// OnDetach registers a callback run after a session goes away.
func (h *Hub) OnDetach(fn func(sid string)) {
	h.mu.Lock()
	h.onDetach = append(h.onDetach, fn)
	h.mu.Unlock()
}

func (h *Hub) Join(sid, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sid]; !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][sid] = struct{}{}
	h.sessionRooms[sid][room] = struct{}{}
}

func (h *Hub) Leave(sid, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], sid)
	if rooms, ok := h.sessionRooms[sid]; ok {
		delete(rooms, room)
	}
}

// Members returns the session ids joined to room.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms[room]))
	for sid := range h.rooms[room] {
		ids = append(ids, sid)
	}
	return ids
}

// BindWorker routes directed messages for name to the session sid. A later
// bind with the same name replaces the previous session.
func (h *Hub) BindWorker(name, sid string) {
	h.mu.Lock()
	h.workers[name] = sid
	h.mu.Unlock()
}

func (h *Hub) UnbindWorker(name string) {
	h.mu.Lock()
	delete(h.workers, name)
	h.mu.Unlock()
}

// WorkerSession returns the session id bound to a worker.
func (h *Hub) WorkerSession(name string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sid, ok := h.workers[name]
	if !ok {
		return "", false
	}
	_, live := h.sessions[sid]
	return sid, live
}

// Subscribe registers an in-process listener of change events.
func (h *Hub) Subscribe(fn func(models.ChangeEvent)) {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, fn)
	h.mu.Unlock()
}

// Notify broadcasts a change event to the room of its engagement as a
// "notif" message carrying the JSON-encoded event.
func (h *Hub) Notify(ev models.ChangeEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	encoded, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode change event")
		return
	}
	room := ev.Engagement
	if room == "" || room == models.GlobalNamespace {
		room = GlobalRoom
	}
	if err := h.Emit(room, EventNotif, string(encoded)); err != nil {
		h.logger.WithFields(logger.Fields{"room": room, "error": err}).Warn("Failed to broadcast change event")
	}
	h.metrics.IncNotification(ev.Collection, ev.Action)

	if h.forwarder != nil {
		if err := h.forwarder.Forward(ev); err != nil {
			h.logger.WithFields(logger.Fields{"engagement": ev.Engagement, "error": err}).Warn("Failed to forward change event")
		}
	}

	h.mu.RLock()
	subs := append([]func(models.ChangeEvent){}, h.subscribers...)
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Emit sends an event to every session of room.
func (h *Hub) Emit(room, event string, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]Session, 0, len(h.rooms[room]))
	for sid := range h.rooms[room] {
		if s, ok := h.sessions[sid]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			h.logger.WithFields(logger.Fields{"sid": s.ID(), "event": event, "error": err}).Debug("Dropping message for session")
		}
	}
	return nil
}

// EmitTo sends an event to one session.
func (h *Hub) EmitTo(sid, event string, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	return h.send(sid, msg)
}

func (h *Hub) send(sid string, msg Message) error {
	h.mu.RLock()
	s, ok := h.sessions[sid]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: session %s is gone", apperrors.ErrWorkerUnavailable, sid)
	}
	if err := s.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrWorkerUnavailable, err)
	}
	return nil
}

// EmitToWorker sends a directed message to the session bound to worker.
func (h *Hub) EmitToWorker(worker, event string, payload any) error {
	sid, ok := h.WorkerSession(worker)
	if !ok {
		return fmt.Errorf("%w: worker %s has no session", apperrors.ErrWorkerUnavailable, worker)
	}
	return h.EmitTo(sid, event, payload)
}

// Handle registers the handler of an inbound event, replacing any previous.
func (h *Hub) Handle(event string, fn HandlerFunc) {
	h.mu.Lock()
	h.handlers[event] = fn
	h.mu.Unlock()
}

// Dispatch validates and routes an inbound message. Handler errors are
// answered with an "error" event on the session.
func (h *Hub) Dispatch(ctx context.Context, s Session, msg Message) {
	h.mu.RLock()
	fn, ok := h.handlers[msg.Event]
	h.mu.RUnlock()
	if !ok {
		h.logger.WithFields(logger.Fields{"sid": s.ID(), "event": msg.Event}).Debug("Ignoring unknown event")
		return
	}

	if h.validator != nil {
		if err := h.validator.Validate(msg.Event, msg.Data); err != nil {
			h.reportError(s, msg, err)
			return
		}
	}

	data := msg.Data
	if msg.Event == EventGetProgressResult && msg.RequestID != "" {
		data = withRequestID(data, msg.RequestID)
	}
	if err := fn(ctx, s, data); err != nil {
		h.reportError(s, msg, err)
	}
}

func (h *Hub) reportError(s Session, msg Message, err error) {
	h.logger.WithFields(logger.Fields{
		"sid":   s.ID(),
		"event": msg.Event,
		"error": err,
	}).Warn("Inbound event rejected")
	reply, encErr := NewMessage(EventError, map[string]string{"event": msg.Event, "error": err.Error()})
	if encErr != nil {
		return
	}
	reply.RequestID = msg.RequestID
	_ = s.Send(reply)
}

func (h *Hub) handleRegisterForNotifications(_ context.Context, s Session, data json.RawMessage) error {
	var p RegisterForNotificationsPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.NewValidationError("data", string(data), err.Error())
	}
	if h.tokens == nil {
		return apperrors.ErrAuth
	}
	if _, err := h.tokens.Validate(p.Token, p.Pentest); err != nil {
		return err
	}
	room := p.Pentest
	if room == "" {
		room = GlobalRoom
	}
	h.Join(s.ID(), room)
	h.logger.WithFields(logger.Fields{"sid": s.ID(), "engagement": room}).Debug("Session joined engagement room")
	return nil
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
		h.Detach(s.ID())
	}
	h.rpc.cancelAll()
}
