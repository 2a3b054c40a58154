package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "PairAgent-Chain/internal/errors"
	"PairAgent-Chain/pkg/logger"
)

// Channel 是告警投递渠道的名称。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的转账事件。
type Event struct {
	Code        xerrors.Code
	Message     string
	Severity    xerrors.Severity
	Agent       string
	Account     string
	TxHash      string
	Attempts    int
	MaxAttempts int
	Metadata    map[string]string
	OccurredAt  time.Time
}

// Notifier delivers an event over one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher is what the transfer path depends on to raise alerts.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 并发投递到每个渠道；同一渠道只保留最后注册的通知器。
type FanoutDispatcher struct {
	channels []Channel
	byName   map[Channel]Notifier
}

// NewFanout builds a dispatcher over notifiers, skipping nil entries.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	d := &FanoutDispatcher{byName: make(map[Channel]Notifier, len(notifiers))}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if _, seen := d.byName[n.Channel()]; !seen {
			d.channels = append(d.channels, n.Channel())
		}
		d.byName[n.Channel()] = n
	}
	return d
}

// Notify sends event to every channel and joins the failures. A slow channel
// does not delay the others.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || len(d.channels) == 0 {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	failures := make([]error, len(d.channels))
	var group errgroup.Group
	for i, ch := range d.channels {
		notifier := d.byName[ch]
		group.Go(func() error {
			if err := notifier.Notify(ctx, event); err != nil {
				failures[i] = fmt.Errorf("channel %s: %w", ch, err)
			}
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(failures...)
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := logger.Audit()
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("agent", event.Agent),
		slog.String("account", event.Account),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_attempts", event.MaxAttempts),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", event.TxHash))
	}
	for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
		attrs = append(attrs, slog.String(k, event.Metadata[k]))
	}
	log.Error(event.Message, attrs...)
	return nil
}
