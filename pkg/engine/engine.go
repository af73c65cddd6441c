// Package engine runs the autoscan loop that admits queued tools to workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pollenisator/internal/metrics"
	"pollenisator/pkg/logger"
)

const DefaultTick = 3 * time.Second

// QueuedTool is the scheduling view of one queue entry.
type QueuedTool struct {
	ID       string
	Wave     string
	Priority int
	// Eligible is true for ready tools that are not out of scope.
	Eligible bool
	Detail   string
}

// State is what the loop reads from the engagement on every tick.
type State interface {
	// StopRequested reports whether the liveness record asks the loop to end.
	StopRequested(ctx context.Context, engagement string) (bool, error)
	ActiveWaves(ctx context.Context, engagement string, now time.Time) (map[string]bool, error)
	// Queue returns the queued tools in queue order.
	Queue(ctx context.Context, engagement string) ([]QueuedTool, error)
}

// Dispatcher hands one tool to a worker and names the worker chosen.
type Dispatcher interface {
	Dispatch(ctx context.Context, engagement, toolID string) (string, error)
}

// EventLog records what the loop did. *logger.AutoscanLogger implements it.
type EventLog interface {
	LogDispatch(toolID, detail, worker string)
	LogError(component string, err error, fields logger.Fields)
	LogStopped(reason string)
}

type AutoscanOpts struct {
	tick    time.Duration
	now     func() time.Time
	events  EventLog
	metrics *metrics.Metrics
}

type OptFunc func(*AutoscanOpts)

func WithTick(d time.Duration) OptFunc {
	return func(o *AutoscanOpts) {
		if d > 0 {
			o.tick = d
		}
	}
}

func WithClock(now func() time.Time) OptFunc {
	return func(o *AutoscanOpts) {
		o.now = now
	}
}

func WithEventLog(events EventLog) OptFunc {
	return func(o *AutoscanOpts) {
		o.events = events
	}
}

func WithMetrics(m *metrics.Metrics) OptFunc {
	return func(o *AutoscanOpts) {
		o.metrics = m
	}
}

// Autoscan is the loop of one engagement.
type Autoscan struct {
	AutoscanOpts
	engagement string
	state      State
	dispatcher Dispatcher
}

func NewAutoscan(engagement string, state State, dispatcher Dispatcher, opts ...OptFunc) *Autoscan {
	o := AutoscanOpts{
		tick: DefaultTick,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.events == nil {
		o.events = &stdEventLog{Logger: logger.NewLogger(logrus.InfoLevel), engagement: engagement}
	}

	return &Autoscan{
		AutoscanOpts: o,
		engagement:   engagement,
		state:        state,
		dispatcher:   dispatcher,
	}
}

// TickResult summarizes one pass.
type TickResult struct {
	Dispatched []string
	Failed     int
	Stopped    bool
}

// Run ticks until a stop is requested or ctx ends. Tick failures are logged
// and never end the loop.
func (a *Autoscan) Run(ctx context.Context) error {
	a.metrics.AutoscanStarted()
	defer a.metrics.AutoscanStopped()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.events.LogStopped("context cancelled")
			return nil
		case <-timer.C:
		}

		res, err := a.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.events.LogError("tick", err, nil)
		}
		if res.Stopped {
			a.events.LogStopped("stop requested")
			return nil
		}
		timer.Reset(a.tick)
	}
}

// RunOnce performs a single tick: stop check, active waves, then dispatch
// of the queued tools in the current priority window.
func (a *Autoscan) RunOnce(ctx context.Context) (TickResult, error) {
	var res TickResult

	if a.stopRequested(ctx) {
		res.Stopped = true
		return res, nil
	}

	waves, err := a.state.ActiveWaves(ctx, a.engagement, a.now())
	if err != nil {
		return res, fmt.Errorf("load active waves: %w", err)
	}
	if len(waves) == 0 {
		return res, nil
	}

	queue, err := a.state.Queue(ctx, a.engagement)
	if err != nil {
		return res, fmt.Errorf("load queue: %w", err)
	}

	for _, tool := range SelectCandidates(queue, waves) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		worker, err := a.dispatcher.Dispatch(ctx, a.engagement, tool.ID)
		if err != nil {
			res.Failed++
			a.events.LogError("dispatch", err, logger.Fields{"tool_id": tool.ID, "tool": tool.Detail})
		} else {
			res.Dispatched = append(res.Dispatched, tool.ID)
			a.events.LogDispatch(tool.ID, tool.Detail, worker)
		}
		if a.stopRequested(ctx) {
			res.Stopped = true
			return res, nil
		}
	}
	return res, nil
}

func (a *Autoscan) stopRequested(ctx context.Context) bool {
	stop, err := a.state.StopRequested(ctx, a.engagement)
	if err != nil {
		a.events.LogError("liveness", err, nil)
		return false
	}
	return stop
}

// SelectCandidates keeps the eligible tools of active waves whose priority
// is at most one step above the lowest such priority, in queue order.
func SelectCandidates(queue []QueuedTool, activeWaves map[string]bool) []QueuedTool {
	var pool []QueuedTool
	for _, t := range queue {
		if t.Eligible && activeWaves[t.Wave] {
			pool = append(pool, t)
		}
	}
	if len(pool) == 0 {
		return nil
	}

	lowest := pool[0].Priority
	for _, t := range pool[1:] {
		if t.Priority < lowest {
			lowest = t.Priority
		}
	}

	out := pool[:0]
	for _, t := range pool {
		if t.Priority <= lowest+1 {
			out = append(out, t)
		}
	}
	return out
}

type stdEventLog struct {
	*logger.Logger
	engagement string
}

func (l *stdEventLog) LogDispatch(toolID, detail, worker string) {
	l.WithFields(logger.Fields{
		"engagement": l.engagement,
		"tool_id":    toolID,
		"tool":       detail,
		"worker":     worker,
	}).Info("Tool dispatched")
}

func (l *stdEventLog) LogError(component string, err error, fields logger.Fields) {
	entry := logger.Fields{"engagement": l.engagement, "component": component}
	for k, v := range fields {
		entry[k] = v
	}
	l.WithFields(entry).WithError(err).Error("Autoscan error")
}

func (l *stdEventLog) LogStopped(reason string) {
	l.WithFields(logger.Fields{"engagement": l.engagement, "reason": reason}).Info("Autoscan stopped")
}
