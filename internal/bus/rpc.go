package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/logger"
)

// RPCKey identifies what a request is about. Replies that do not echo their
// request id are matched on it, oldest request first.
type RPCKey struct {
	Engagement string
	ToolID     string
	Name       string
}

type future struct {
	id    string
	key   RPCKey
	reply chan json.RawMessage
}

type rpcTable struct {
	mu      sync.Mutex
	timeout time.Duration
	byID    map[string]*future
	byKey   map[RPCKey][]*future
}

func newRPCTable(timeout time.Duration) *rpcTable {
	return &rpcTable{
		timeout: timeout,
		byID:    make(map[string]*future),
		byKey:   make(map[RPCKey][]*future),
	}
}

func (t *rpcTable) open(key RPCKey) *future {
	f := &future{id: uuid.NewString(), key: key, reply: make(chan json.RawMessage, 1)}
	t.mu.Lock()
	t.byID[f.id] = f
	t.byKey[key] = append(t.byKey[key], f)
	t.mu.Unlock()
	return f
}

func (t *rpcTable) remove(f *future) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(f)
}

func (t *rpcTable) removeLocked(f *future) {
	delete(t.byID, f.id)
	pending := t.byKey[f.key]
	for i, p := range pending {
		if p == f {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(t.byKey, f.key)
	} else {
		t.byKey[f.key] = pending
	}
}

// resolve completes the future named by id, or the oldest one of key when
// id is empty. It reports whether a waiting request took the reply.
func (t *rpcTable) resolve(id string, key RPCKey, result json.RawMessage) bool {
	t.mu.Lock()
	var f *future
	if id != "" {
		f = t.byID[id]
	} else if pending := t.byKey[key]; len(pending) > 0 {
		f = pending[0]
	}
	if f != nil {
		t.removeLocked(f)
	}
	t.mu.Unlock()

	if f == nil {
		return false
	}
	f.reply <- result
	return true
}

func (t *rpcTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

func (t *rpcTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.byID {
		close(f.reply)
	}
	t.byID = make(map[string]*future)
	t.byKey = make(map[RPCKey][]*future)
}

// Request sends key.Name to worker and waits for its reply, at most the
// hub's RPC timeout. Each call owns its own future.
func (h *Hub) Request(ctx context.Context, worker string, key RPCKey, payload any) (json.RawMessage, error) {
	sid, ok := h.WorkerSession(worker)
	if !ok {
		return nil, fmt.Errorf("%w: worker %s has no session", apperrors.ErrWorkerUnavailable, worker)
	}
	msg, err := NewMessage(key.Name, payload)
	if err != nil {
		return nil, err
	}

	f := h.rpc.open(key)
	msg.RequestID = f.id
	if err := h.send(sid, msg); err != nil {
		h.rpc.remove(f)
		return nil, err
	}

	timer := time.NewTimer(h.rpc.timeout)
	defer timer.Stop()

	select {
	case result, ok := <-f.reply:
		if !ok {
			return nil, fmt.Errorf("%w: hub closed", apperrors.ErrWorkerUnavailable)
		}
		return result, nil
	case <-timer.C:
		h.rpc.remove(f)
		h.metrics.IncRPCTimeout()
		h.logger.WithFields(logger.Fields{
			"worker":     worker,
			"engagement": key.Engagement,
			"tool_id":    key.ToolID,
			"rpc":        key.Name,
		}).Warn("Worker did not answer in time")
		return nil, fmt.Errorf("%w: %s from %s", apperrors.ErrRPCTimeout, key.Name, worker)
	case <-ctx.Done():
		h.rpc.remove(f)
		return nil, ctx.Err()
	}
}

// PendingRequests is the number of requests awaiting a reply.
func (h *Hub) PendingRequests() int {
	return h.rpc.pending()
}

func (h *Hub) handleProgressResult(_ context.Context, s Session, data json.RawMessage) error {
	var p struct {
		ProgressResultPayload
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.NewValidationError("data", string(data), err.Error())
	}
	result := p.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	key := RPCKey{Engagement: p.Pentest, ToolID: p.ToolIID, Name: EventGetProgress}
	if !h.rpc.resolve(p.RequestID, key, result) {
		h.logger.WithFields(logger.Fields{
			"sid":        s.ID(),
			"engagement": p.Pentest,
			"tool_id":    p.ToolIID,
		}).Debug("Progress reply matches no pending request")
	}
	return nil
}

// withRequestID copies the envelope request id into the payload.
func withRequestID(data json.RawMessage, id string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		obj = map[string]json.RawMessage{"result": data}
	}
	encodedID, _ := json.Marshal(id)
	obj["request_id"] = encodedID
	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return out
}
