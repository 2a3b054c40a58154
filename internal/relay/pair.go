package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PairAgent-Chain/internal/agent"
	xerrors "PairAgent-Chain/internal/errors"
	"PairAgent-Chain/internal/mailbox"
	"PairAgent-Chain/internal/nonce"
	"PairAgent-Chain/internal/observability/alerting"
	"PairAgent-Chain/internal/transfer"
	"PairAgent-Chain/internal/web3"
	"PairAgent-Chain/pkg/logger"
)

// Settings 控制两个代理的节奏与转账参数。
type Settings struct {
	First            string
	Second           string
	GenerateInterval time.Duration
	BalanceInterval  time.Duration
	QuietPeriod      time.Duration
	PollInterval     time.Duration
	DispatchWorkers  int
	Words            []string
	Seed             uint64

	Source         common.Address
	Target         common.Address
	Amount         *big.Int
	MaxAttempts    int
	ConfirmTimeout time.Duration
	GasLimit       uint64
}

// Deps are the collaborators shared by both peers.
type Deps struct {
	Ledger   web3.Ledger
	Signer   web3.Signer
	Recorder transfer.Recorder
	Alerter  alerting.Dispatcher
}

// Pair 是两个背靠背的代理。
type Pair struct {
	First  *agent.Agent
	Second *agent.Agent
	Turn   *Turn
	Nonces *nonce.Manager
}

// NewPair builds both peers on top of boxes: First sends on boxes.AToB and
// reads boxes.BToA, Second the reverse. Both submit transfers from the same
// source account, so they share one nonce manager.
func NewPair(boxes *mailbox.Pair, deps Deps, s Settings) (*Pair, error) {
	if boxes == nil || boxes.AToB == nil || boxes.BToA == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置代理邮箱")
	}
	if deps.Ledger == nil || deps.Signer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置账本或签名器")
	}
	if s.GenerateInterval <= 0 || s.BalanceInterval <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "行为间隔必须为正数")
	}
	if s.QuietPeriod >= s.GenerateInterval {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "静默期必须小于消息生成间隔")
	}
	amount := s.Amount
	if amount == nil {
		amount = big.NewInt(1)
	}

	nonces := nonce.NewManager(deps.Ledger)
	turn := NewTurn(s.QuietPeriod)
	generator := NewGenerator(s.Words, s.Seed)
	req := TransferRequest{Source: s.Source, Target: s.Target, Amount: amount, MaxAttempts: s.MaxAttempts}

	build := func(name string, inbox, outbox mailbox.Mailbox, lead bool) *agent.Agent {
		log := logger.Named(name)
		submitter := transfer.NewSubmitter(deps.Ledger, nonces, deps.Signer,
			transfer.WithOwner(name),
			transfer.WithLogger(log.With("module", "transfer")),
			transfer.WithConfirmTimeout(s.ConfirmTimeout),
			transfer.WithGasLimit(s.GasLimit),
			transfer.WithRecorder(deps.Recorder),
			transfer.WithAlertDispatcher(deps.Alerter),
		)

		var a *agent.Agent
		generate := func(ctx context.Context) error {
			content := generator.Next()
			if _, err := a.Send(ctx, MessageType, content); err != nil {
				return err
			}
			log.Info("Generated message: " + content)
			return nil
		}
		step := func(ctx context.Context) error { return turn.Lead(ctx, generate) }
		if !lead {
			step = func(ctx context.Context) error { return turn.Follow(ctx, generate) }
		}

		a = agent.New(name, inbox, outbox,
			agent.WithLogger(log),
			agent.WithPollInterval(s.PollInterval),
			agent.WithDispatchWorkers(s.DispatchWorkers),
			agent.WithHandler(MessageType, "greeting", GreetingHandler(log)),
			agent.WithHandler(MessageType, "transfer", TransferHandler(submitter, req, log)),
			agent.WithBehaviour(agent.Behaviour{Name: "generate", Interval: s.GenerateInterval, Action: step}),
			agent.WithBehaviour(agent.Behaviour{
				Name:     "balance",
				Interval: s.BalanceInterval,
				Action:   BalanceProbe(name, deps.Ledger, s.Source, log),
			}),
		)
		return a
	}

	return &Pair{
		First:  build(s.First, boxes.BToA, boxes.AToB, true),
		Second: build(s.Second, boxes.AToB, boxes.BToA, false),
		Turn:   turn,
		Nonces: nonces,
	}, nil
}

// Agents returns both peers, leader first.
func (p *Pair) Agents() []*agent.Agent {
	return []*agent.Agent{p.First, p.Second}
}

// Agent looks a peer up by name.
func (p *Pair) Agent(name string) (*agent.Agent, bool) {
	for _, a := range p.Agents() {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Start starts both peers; if the second fails the first is stopped again.
func (p *Pair) Start(ctx context.Context) error {
	if err := p.First.Start(ctx); err != nil {
		return err
	}
	if err := p.Second.Start(ctx); err != nil {
		_ = p.First.Stop(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// Stop stops both peers and waits for their loops, bounded by ctx.
func (p *Pair) Stop(ctx context.Context) error {
	var errs []error
	for _, a := range p.Agents() {
		if err := a.Stop(ctx); err != nil && !errors.Is(err, agent.ErrAgentStopped) {
			errs = append(errs, err)
			logger.L().Warn("停止代理失败", slog.String("agent", a.Name()), slog.Any("error", err))
		}
	}
	return errors.Join(errs...)
}
