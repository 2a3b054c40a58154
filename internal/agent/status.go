package agent

import (
	"context"
	"time"
)

// BehaviourStatus 描述单个周期行为的运行情况。
type BehaviourStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Skipped   int64         `json:"skipped"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Status 是代理的只读快照。
type Status struct {
	Name       string              `json:"name"`
	State      State               `json:"state"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	Inbox      string              `json:"inbox"`
	Outbox     string              `json:"outbox"`
	InboxDepth int                 `json:"inbox_depth"`
	Handled    int64               `json:"handled"`
	Failures   int64               `json:"failures"`
	Sent       int64               `json:"sent"`
	Handlers   map[string][]string `json:"handlers"`
	Behaviours []BehaviourStatus   `json:"behaviours"`
}

// Snapshot 返回代理当前的运行状态。
func (a *Agent) Snapshot(ctx context.Context) Status {
	a.mu.Lock()
	state := a.state
	started := a.started
	a.mu.Unlock()

	status := Status{
		Name:     a.name,
		State:    state,
		Handled:  a.handled.Load(),
		Failures: a.failures.Load(),
		Sent:     a.sent.Load(),
		Handlers: a.handlers.types(),
	}
	if state == StateRunning && !started.IsZero() {
		status.StartedAt = &started
	}
	if a.inbox != nil {
		status.Inbox = a.inbox.Name()
		if depth, err := a.inbox.Len(ctx); err == nil {
			status.InboxDepth = depth
		}
	}
	if a.outbox != nil {
		status.Outbox = a.outbox.Name()
	}
	for _, b := range a.behaviours {
		bs := BehaviourStatus{
			Name:     b.Name,
			Interval: b.Interval,
			Runs:     b.runs.Load(),
			Skipped:  b.skipped.Load(),
		}
		if ns := b.lastRun.Load(); ns > 0 {
			t := time.Unix(0, ns).UTC()
			bs.LastRun = &t
		}
		if msg := b.lastErr.Load(); msg != nil {
			bs.LastError = *msg
		}
		status.Behaviours = append(status.Behaviours, bs)
	}
	return status
}
