package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "PairAgent-Chain/internal/errors"
	"PairAgent-Chain/internal/mailbox"
	"PairAgent-Chain/internal/observability/metrics"
	"PairAgent-Chain/pkg/logger"
)

// State 表示代理的运行状态。
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

const (
	CodeAgentRunning  xerrors.Code = "AGENT_RUNNING"
	CodeAgentStopped  xerrors.Code = "AGENT_STOPPED"
	CodeAgentStopping xerrors.Code = "AGENT_STOPPING"
)

var (
	ErrAgentRunning  = xerrors.New(CodeAgentRunning, "agent is already running")
	ErrAgentStopped  = xerrors.New(CodeAgentStopped, "agent is not running")
	ErrAgentStopping = xerrors.New(CodeAgentStopping, "agent loops from the previous run are still exiting")
)

func init() {
	xerrors.Register(CodeAgentRunning, xerrors.Attributes{Message: "agent is already running", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAgentStopped, xerrors.Attributes{Message: "agent is not running", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAgentStopping, xerrors.Attributes{Message: "agent is still stopping", Severity: xerrors.SeverityWarning, Retryable: true})
}

const (
	defaultPollInterval    = time.Second
	defaultDispatchWorkers = 4
)

// Agent 持有收件箱与发件箱的引用、处理器注册表以及周期行为。
type Agent struct {
	name    string
	inbox   mailbox.Mailbox
	outbox  mailbox.Mailbox
	logger  *slog.Logger
	poll    time.Duration
	workers int

	handlers   *registry
	behaviours []*behaviourState

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	handled  atomic.Int64
	failures atomic.Int64
	sent     atomic.Int64
}

type behaviourState struct {
	Behaviour
	runs    atomic.Int64
	skipped atomic.Int64
	lastRun atomic.Int64
	lastErr atomic.Pointer[string]
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = l
	}
}

// WithPollInterval 设置收件箱为空时的轮询间隔。
func WithPollInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.poll = d
		}
	}
}

// WithDispatchWorkers 设置处理消息的协程数量。
func WithDispatchWorkers(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithHandler 在构造时注册消息处理器。
func WithHandler(msgType, name string, h Handler) Option {
	return func(a *Agent) {
		a.handlers.add(msgType, name, h)
	}
}

// WithBehaviour 在构造时注册周期行为。
func WithBehaviour(b Behaviour) Option {
	return func(a *Agent) {
		a.behaviours = append(a.behaviours, &behaviourState{Behaviour: b})
	}
}

// New 创建一个 Agent。inbox 与 outbox 由两个代理共享，Agent 不负责关闭它们。
func New(name string, inbox, outbox mailbox.Mailbox, opts ...Option) *Agent {
	a := &Agent{
		name:     name,
		inbox:    inbox,
		outbox:   outbox,
		poll:     defaultPollInterval,
		workers:  defaultDispatchWorkers,
		handlers: newRegistry(),
		state:    StateStopped,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.logger == nil {
		a.logger = logger.Named(name)
	}
	return a
}

// Name 返回代理名称。
func (a *Agent) Name() string { return a.name }

// Inbox 返回代理的收件箱。
func (a *Agent) Inbox() mailbox.Mailbox { return a.inbox }

// Outbox 返回代理的发件箱。
func (a *Agent) Outbox() mailbox.Mailbox { return a.outbox }

// RegisterHandler binds h to msgType. Every handler bound to a type runs for
// each message of that type, in registration order.
func (a *Agent) RegisterHandler(msgType, name string, h Handler) error {
	if h == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "处理器不能为空")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateRunning {
		return ErrAgentRunning
	}
	a.handlers.add(msgType, name, h)
	return nil
}

// RegisterBehaviour adds a periodic behaviour; only allowed while stopped.
func (a *Agent) RegisterBehaviour(b Behaviour) error {
	if b.Action == nil || b.Interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("行为 %q 配置无效", b.Name))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateRunning {
		return ErrAgentRunning
	}
	a.behaviours = append(a.behaviours, &behaviourState{Behaviour: b})
	return nil
}

// State 返回当前状态。
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start launches the message loop, the dispatch workers and one goroutine
// per behaviour. They all stop when ctx is done or Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	if a.inbox == nil || a.outbox == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "代理未配置邮箱")
	}
	for _, b := range a.behaviours {
		if b.Action == nil || b.Interval <= 0 {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("行为 %q 配置无效", b.Name))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateRunning {
		return ErrAgentRunning
	}
	if a.done != nil {
		select {
		case <-a.done:
		default:
			return ErrAgentStopping
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	// Both channels are unbuffered: a worker announces itself on idle and
	// then takes exactly one job, so the inbox is only read for a worker that
	// is waiting.
	idle := make(chan struct{})
	jobs := make(chan mailbox.Message)

	group.Go(func() error { return a.messageLoop(groupCtx, idle, jobs) })
	for i := 0; i < a.workers; i++ {
		group.Go(func() error { return a.dispatchWorker(groupCtx, idle, jobs) })
	}
	for _, b := range a.behaviours {
		group.Go(func() error { return a.behaviourLoop(groupCtx, b) })
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := group.Wait(); err != nil && runCtx.Err() == nil {
			a.logger.Error("代理循环异常退出", slog.Any("error", err))
		}
	}()

	a.state = StateRunning
	a.cancel = cancel
	a.done = done
	a.started = time.Now().UTC()
	a.logger.Info("代理已启动",
		slog.String("inbox", a.inbox.Name()),
		slog.String("outbox", a.outbox.Name()),
		slog.Int("workers", a.workers),
		slog.Int("behaviours", len(a.behaviours)))
	return nil
}

// Stop cancels every loop and waits for them to return, bounded by ctx.
// When ctx expires first the loops keep exiting in the background and Start
// returns ErrAgentStopping until Done is closed.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return ErrAgentStopped
	}
	cancel, done := a.cancel, a.done
	a.state = StateStopped
	a.cancel = nil
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
		a.logger.Info("代理已停止")
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待代理循环退出超时")
	}
}

// Done is closed once every loop of the latest run has returned. It is nil
// before the first Start.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Send enqueues a new message on the agent's outbox.
func (a *Agent) Send(ctx context.Context, msgType, content string) (mailbox.Message, error) {
	msg := mailbox.NewMessage(msgType, content).From(a.name)
	if err := a.outbox.Enqueue(ctx, msg); err != nil {
		return mailbox.Message{}, err
	}
	a.sent.Add(1)
	metrics.MessagesSent.WithLabelValues(a.name, msgType).Inc()
	return msg, nil
}

// messageLoop reads the inbox on behalf of idle workers. A message is only
// dequeued after a worker has committed to take it, so stopping never leaves
// a message outside both the inbox and a handler.
func (a *Agent) messageLoop(ctx context.Context, idle <-chan struct{}, jobs chan<- mailbox.Message) error {
	defer close(jobs)
	timer := time.NewTimer(a.poll)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle:
		}

		// 持有一个空闲 worker，直到取到消息。
		for {
			if ctx.Err() != nil {
				return nil
			}
			msg, ok, err := a.inbox.Dequeue(ctx)
			if err == nil && ok {
				jobs <- msg
				break
			}
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("读取收件箱失败", slog.Any("error", err))
			}
			timer.Reset(a.poll)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
		}
	}
}

func (a *Agent) dispatchWorker(ctx context.Context, idle chan<- struct{}, jobs <-chan mailbox.Message) error {
	for {
		select {
		case idle <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		msg, ok := <-jobs
		if !ok {
			return nil
		}
		a.dispatch(ctx, msg)
	}
}

func (a *Agent) dispatch(ctx context.Context, msg mailbox.Message) {
	a.handled.Add(1)
	metrics.MessagesHandled.WithLabelValues(a.name, msg.Type).Inc()

	handlers := a.handlers.lookup(msg.Type)
	if len(handlers) == 0 {
		a.logger.Debug("没有匹配的处理器", slog.String("type", msg.Type), slog.String("message_id", msg.ID))
		return
	}
	// A dequeued message reaches every handler even during shutdown; the
	// handlers see ctx and decide how far to go.
	for _, h := range handlers {
		if err := a.invoke(ctx, h, msg); err != nil {
			a.failures.Add(1)
			metrics.HandlerErrors.WithLabelValues(a.name, msg.Type).Inc()
			a.logger.Error("消息处理失败",
				slog.String("handler", h.name),
				slog.String("type", msg.Type),
				slog.String("message_id", msg.ID),
				slog.Any("error", err))
		}
	}
}

func (a *Agent) invoke(ctx context.Context, h namedHandler, msg mailbox.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.handler(ctx, msg)
}

func (a *Agent) behaviourLoop(ctx context.Context, b *behaviourState) error {
	deadline := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		a.runBehaviour(ctx, b)

		next, skipped := nextDeadline(deadline, time.Now(), b.Interval)
		if skipped > 0 {
			b.skipped.Add(int64(skipped))
			metrics.BehaviourSkipped.WithLabelValues(a.name, b.Name).Add(float64(skipped))
			a.logger.Warn("周期行为执行超时，跳过错过的时间槽",
				slog.String("behaviour", b.Name), slog.Int("skipped", skipped))
		}
		deadline = next
		timer.Reset(time.Until(deadline))
	}
}

func (a *Agent) runBehaviour(ctx context.Context, b *behaviourState) {
	b.runs.Add(1)
	b.lastRun.Store(time.Now().UnixNano())
	metrics.BehaviourRuns.WithLabelValues(a.name, b.Name).Inc()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("behaviour panic: %v\n%s", r, debug.Stack())
			}
		}()
		return b.Action(ctx)
	}()
	if err != nil {
		msg := err.Error()
		b.lastErr.Store(&msg)
		if ctx.Err() == nil {
			a.logger.Error("周期行为执行失败", slog.String("behaviour", b.Name), slog.Any("error", err))
		}
		return
	}
	b.lastErr.Store(nil)
}
