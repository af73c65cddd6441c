package bus_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollenisator/internal/bus"
	"pollenisator/internal/metrics"
	apperrors "pollenisator/pkg/errors"
	"pollenisator/pkg/testutil"
)

func progressKey(tool string) bus.RPCKey {
	return bus.RPCKey{Engagement: "eng1", ToolID: tool, Name: bus.EventGetProgress}
}

func TestRequestResolvedByRequestID(t *testing.T) {
	hub := bus.NewHub()
	worker := testutil.NewRecordingSession("sid")
	hub.Attach(worker)
	hub.BindWorker("w1", "sid")

	worker.OnSend(func(msg bus.Message) {
		if msg.Event != bus.EventGetProgress {
			return
		}
		go hub.Dispatch(context.Background(), worker, bus.Message{
			Event:     bus.EventGetProgressResult,
			RequestID: msg.RequestID,
			Data:      json.RawMessage(`{"result":"42%"}`),
		})
	})

	res, err := hub.Request(context.Background(), "w1", progressKey("t1"), bus.ToolPayload{Pentest: "eng1", ToolIID: "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `"42%"`, string(res))
	assert.Zero(t, hub.PendingRequests())
}

func TestRequestResolvedByKeyWhenReplyHasNoID(t *testing.T) {
	hub := bus.NewHub()
	worker := testutil.NewRecordingSession("sid")
	hub.Attach(worker)
	hub.BindWorker("w1", "sid")

	worker.OnSend(func(msg bus.Message) {
		go hub.Dispatch(context.Background(), worker, bus.Message{
			Event: bus.EventGetProgressResult,
			Data:  json.RawMessage(`{"pentest":"eng1","tool_iid":"t1","result":{"lines":3}}`),
		})
	})

	res, err := hub.Request(context.Background(), "w1", progressKey("t1"), bus.ToolPayload{Pentest: "eng1", ToolIID: "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lines":3}`, string(res))
}

func TestRequestTimesOut(t *testing.T) {
	m := metrics.NewMetrics()
	hub := bus.NewHub(bus.WithRPCTimeout(50*time.Millisecond), bus.WithMetrics(m))
	worker := testutil.NewRecordingSession("sid")
	hub.Attach(worker)
	hub.BindWorker("w1", "sid")

	start := time.Now()
	_, err := hub.Request(context.Background(), "w1", progressKey("t1"), bus.ToolPayload{})

	assert.ErrorIs(t, err, apperrors.ErrRPCTimeout)
	assert.ErrorIs(t, err, apperrors.ErrWorkerUnavailable)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, hub.PendingRequests())

	// a late reply is dropped without effect
	hub.Dispatch(context.Background(), worker, bus.Message{
		Event: bus.EventGetProgressResult,
		Data:  json.RawMessage(`{"pentest":"eng1","tool_iid":"t1","result":"late"}`),
	})
	assert.Zero(t, hub.PendingRequests())
}

func TestRequestUnknownWorker(t *testing.T) {
	hub := bus.NewHub()
	_, err := hub.Request(context.Background(), "ghost", progressKey("t1"), nil)
	assert.ErrorIs(t, err, apperrors.ErrWorkerUnavailable)
}

func TestConcurrentRequestsDoNotShareReplies(t *testing.T) {
	hub := bus.NewHub()
	worker := testutil.NewRecordingSession("sid")
	hub.Attach(worker)
	hub.BindWorker("w1", "sid")

	worker.OnSend(func(msg bus.Message) {
		var p bus.ToolPayload
		_ = json.Unmarshal(msg.Data, &p)
		reply, _ := json.Marshal(map[string]string{"result": p.ToolIID})
		go hub.Dispatch(context.Background(), worker, bus.Message{Event: bus.EventGetProgressResult, RequestID: msg.RequestID, Data: reply})
	})

	tools := []string{"t1", "t2", "t3", "t4", "t5"}
	results := make([]string, len(tools))
	var wg sync.WaitGroup
	for i, tool := range tools {
		wg.Add(1)
		go func(i int, tool string) {
			defer wg.Done()
			res, err := hub.Request(context.Background(), "w1", progressKey(tool), bus.ToolPayload{Pentest: "eng1", ToolIID: tool})
			if assert.NoError(t, err) {
				_ = json.Unmarshal(res, &results[i])
			}
		}(i, tool)
	}
	wg.Wait()

	assert.Equal(t, tools, results)
}

func TestValidator(t *testing.T) {
	v, err := bus.NewValidator()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{bus.EventRegister, bus.EventRegisterForNotifications, bus.EventKeepalive, bus.EventGetProgressResult}, v.Events())

	tests := []struct {
		name    string
		event   string
		data    string
		wantErr bool
	}{
		{name: "register ok", event: bus.EventRegister, data: `{"name":"w1","supported_plugins":["nmap"]}`},
		{name: "register missing plugins", event: bus.EventRegister, data: `{"name":"w1"}`, wantErr: true},
		{name: "register name with space", event: bus.EventRegister, data: `{"name":"w 1","supported_plugins":[]}`, wantErr: true},
		{name: "keepalive ok", event: bus.EventKeepalive, data: `{"name":"w1","running_tasks":["t1"]}`},
		{name: "progress missing result", event: bus.EventGetProgressResult, data: `{"pentest":"e"}`, wantErr: true},
		{name: "not json", event: bus.EventKeepalive, data: `nope`, wantErr: true},
		{name: "no schema", event: "other", data: `anything`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.event, json.RawMessage(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
