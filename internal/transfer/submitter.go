// Package transfer moves a fixed amount of an ERC20 token from the source
// account to the target account, retrying with escalating gas prices.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PairAgent-Chain/internal/errors"
	"PairAgent-Chain/internal/observability/alerting"
	"PairAgent-Chain/internal/observability/metrics"
	"PairAgent-Chain/internal/web3"
	"PairAgent-Chain/pkg/logger"
)

const (
	DefaultConfirmTimeout = 120 * time.Second
	DefaultGasLimit       = 200_000
	defaultProbeTimeout   = 2 * time.Second
)

// NonceAllocator hands out account nonces; *nonce.Manager satisfies it.
// Every nonce from Next is released exactly once when Submit returns.
type NonceAllocator interface {
	Next(ctx context.Context, account common.Address) (uint64, error)
	Release(account common.Address)
	Reset(account common.Address)
}

// Recorder persists terminal results.
type Recorder interface {
	Record(ctx context.Context, res *Result) error
}

// Submitter 负责构建、签名、提交并确认代币转账。
type Submitter struct {
	ledger         web3.Ledger
	nonces         NonceAllocator
	signer         web3.Signer
	owner          string
	confirmTimeout time.Duration
	probeTimeout   time.Duration
	gasLimit       uint64
	logger         *slog.Logger
	recorder       Recorder
	alerter        alerting.Dispatcher
}

// Option 定义可选配置。
type Option func(*Submitter)

// WithConfirmTimeout bounds the wait for each attempt's receipt.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(s *Submitter) {
		if timeout > 0 {
			s.confirmTimeout = timeout
		}
	}
}

// WithProbeTimeout bounds the receipt lookup for a transaction that timed out earlier.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(s *Submitter) {
		if timeout > 0 {
			s.probeTimeout = timeout
		}
	}
}

// WithGasLimit 设置单笔转账的 gas 上限。
func WithGasLimit(limit uint64) Option {
	return func(s *Submitter) {
		if limit > 0 {
			s.gasLimit = limit
		}
	}
}

// WithOwner 标记发起转账的代理名称。
func WithOwner(name string) Option {
	return func(s *Submitter) {
		s.owner = name
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) {
		s.logger = logger
	}
}

// WithRecorder 配置转账流水。
func WithRecorder(recorder Recorder) Option {
	return func(s *Submitter) {
		s.recorder = recorder
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Submitter) {
		s.alerter = dispatcher
	}
}

// NewSubmitter 构造 Submitter。
func NewSubmitter(ledger web3.Ledger, nonces NonceAllocator, signer web3.Signer, opts ...Option) *Submitter {
	s := &Submitter{
		ledger:         ledger,
		nonces:         nonces,
		signer:         signer,
		confirmTimeout: DefaultConfirmTimeout,
		probeTimeout:   defaultProbeTimeout,
		gasLimit:       DefaultGasLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("transfer")
	}
	return s
}

// Submit moves amount from source to target, making at most maxAttempts
// submissions. The returned Result is never nil; the error is nil only for
// OutcomeSuccess.
//
// A transaction whose confirmation wait fails may still be pending, so the
// following attempts replace it by reusing its nonce at a higher price, and
// check whether any earlier hash has landed before each retry. Other
// rejections take a fresh nonce.
func (s *Submitter) Submit(ctx context.Context, source, target common.Address, amount *big.Int, maxAttempts int) (*Result, error) {
	res := &Result{
		Owner:       s.owner,
		Source:      source,
		Target:      target,
		MaxAttempts: maxAttempts,
		StartedAt:   time.Now().UTC(),
	}
	if amount != nil {
		res.Amount = new(big.Int).Set(amount)
	}

	if s.ledger == nil || s.nonces == nil || s.signer == nil {
		return s.finish(ctx, res, OutcomeAborted, xerrors.New(xerrors.CodeInitializationFailure, "转账提交器未初始化"))
	}
	if maxAttempts <= 0 {
		return s.finish(ctx, res, OutcomeAborted, xerrors.New(xerrors.CodeInvalidArgument, "最大尝试次数必须为正数"))
	}
	if amount == nil || amount.Sign() <= 0 {
		return s.finish(ctx, res, OutcomeAborted, xerrors.New(xerrors.CodeInvalidArgument, "转账数量必须为正数"))
	}
	if s.signer.Address() != source {
		return s.finish(ctx, res, OutcomeAborted, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("签名账户 %s 与源账户 %s 不一致", s.signer.Address().Hex(), source.Hex())))
	}

	balance, err := s.ledger.BalanceOf(ctx, source)
	if err != nil {
		if ctx.Err() != nil {
			return s.finish(ctx, res, OutcomeCanceled, xerrors.Wrap(xerrors.CodeCanceled, ctx.Err(), "转账已取消"))
		}
		return s.finish(ctx, res, OutcomeAborted, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询源账户余额失败"))
	}
	if balance == nil || balance.Cmp(amount) < 0 {
		return s.finish(ctx, res, OutcomeInsufficientBalance, xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("余额 %s 不足以转出 %s", bigString(balance), amount), xerrors.WithMetadata("balance", bigString(balance))))
	}

	call, err := s.ledger.TransferCall(target, amount)
	if err != nil {
		return s.finish(ctx, res, OutcomeAborted, err)
	}

	var (
		lastErr error
		// held is a nonce that must be used again: either it never reached
		// the ledger, or a transaction carrying it may still be pending.
		held      *uint64
		replacing bool
		pending   []common.Hash
		lastPrice *big.Int
		// leases counts nonces taken from the allocator by this call.
		leases int
	)
	defer func() {
		for ; leases > 0; leases-- {
			s.nonces.Release(source)
		}
	}()

	for index := 1; index <= maxAttempts; index++ {
		remaining := maxAttempts - index + 1
		if ctx.Err() != nil {
			return s.canceled(ctx, res, source, leases > 0)
		}
		if replacing {
			if receipt := s.probe(ctx, pending); receipt != nil {
				return s.settle(ctx, res, receipt)
			}
		}

		attempt := Attempt{Index: index}
		var nonce uint64
		if held != nil {
			nonce = *held
		} else {
			nonce, err = s.nonces.Next(ctx, source)
			if err != nil {
				attempt.Err = err
				res.Attempts = append(res.Attempts, attempt)
				if ctx.Err() != nil {
					return s.canceled(ctx, res, source, leases > 0)
				}
				lastErr = err
				s.logRetry(attempt, remaining, err)
				continue
			}
			leases++
		}
		attempt.Nonce = nonce

		base, err := s.ledger.GasPrice(ctx)
		if err != nil {
			attempt.Err = err
			res.Attempts = append(res.Attempts, attempt)
			if ctx.Err() != nil {
				return s.canceled(ctx, res, source, leases > 0)
			}
			lastErr = err
			held = &nonce
			s.logRetry(attempt, remaining, err)
			continue
		}
		price := EscalatedGasPrice(base, remaining)
		if replacing && lastPrice != nil {
			if floor := replacementFloor(lastPrice); price.Cmp(floor) < 0 {
				price = floor
			}
		}
		attempt.GasPrice = price

		tx, err := s.signer.Sign(ctx, web3.TxFields{
			From:     source,
			To:       call.To,
			Nonce:    nonce,
			GasLimit: s.gasLimit,
			GasPrice: price,
			Data:     call.Data,
		})
		if err != nil {
			attempt.Err = err
			res.Attempts = append(res.Attempts, attempt)
			s.nonces.Reset(source)
			return s.finish(ctx, res, OutcomeAborted, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名交易失败"))
		}

		metrics.TransferAttempts.Inc()
		hash, err := s.ledger.SubmitSigned(ctx, tx)
		if err != nil {
			class := classify(ctx, err)
			attempt.Err = attemptError(class, err, "提交交易被拒绝")
			res.Attempts = append(res.Attempts, attempt)
			switch class {
			case classCanceled:
				return s.canceled(ctx, res, source, leases > 0)
			case classDuplicateNonce:
				if replacing {
					// The nonce was consumed; most likely by our own earlier transaction.
					if receipt := s.probe(ctx, pending); receipt != nil {
						return s.settle(ctx, res, receipt)
					}
				}
				s.nonces.Reset(source)
				return s.finish(ctx, res, OutcomeDuplicateNonce, xerrors.Wrap(CodeDuplicateNonce, err, "账本拒绝了重复的 nonce",
					xerrors.WithMetadata("nonce", strconv.FormatUint(nonce, 10))))
			default:
				lastErr = attempt.Err
				if replacing {
					held = &nonce
				} else {
					held = nil
				}
				s.logRetry(attempt, remaining, attempt.Err)
				continue
			}
		}
		attempt.TxHash = hash
		lastPrice = price

		receipt, err := s.ledger.AwaitReceipt(ctx, hash, s.confirmTimeout)
		if err != nil {
			class := classify(ctx, err)
			attempt.Err = attemptError(class, err, "等待交易回执失败", xerrors.WithMetadata("tx_hash", hash.Hex()))
			res.Attempts = append(res.Attempts, attempt)
			if class == classCanceled {
				return s.canceled(ctx, res, source, leases > 0)
			}
			// Accepted by the node but unconfirmed: it may still land.
			lastErr = attempt.Err
			replacing = true
			pending = append(pending, hash)
			held = &nonce
			s.logRetry(attempt, remaining, attempt.Err)
			continue
		}
		res.Attempts = append(res.Attempts, attempt)
		return s.settle(ctx, res, receipt)
	}

	if replacing {
		if receipt := s.probe(ctx, pending); receipt != nil {
			return s.settle(ctx, res, receipt)
		}
	}
	if leases > 0 {
		s.nonces.Reset(source)
	}
	return s.finish(ctx, res, OutcomeRetriesExhausted, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("%d 次尝试后仍未完成转账", maxAttempts)))
}

func (s *Submitter) canceled(ctx context.Context, res *Result, source common.Address, acquired bool) (*Result, error) {
	if acquired {
		s.nonces.Reset(source)
	}
	return s.finish(ctx, res, OutcomeCanceled, xerrors.Wrap(xerrors.CodeCanceled, ctx.Err(), "转账已取消"))
}

// probe looks for a receipt of any earlier transaction, newest first.
func (s *Submitter) probe(ctx context.Context, hashes []common.Hash) *web3.Receipt {
	for i := len(hashes) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return nil
		}
		receipt, err := s.ledger.AwaitReceipt(ctx, hashes[i], s.probeTimeout)
		if err == nil && receipt != nil {
			s.logger.Info("较早的交易已上链", slog.String("tx_hash", hashes[i].Hex()))
			return receipt
		}
	}
	return nil
}

func (s *Submitter) settle(ctx context.Context, res *Result, receipt *web3.Receipt) (*Result, error) {
	res.TxHash = receipt.TxHash
	res.BlockNumber = receipt.BlockNumber
	if receipt.Succeeded() {
		return s.finish(ctx, res, OutcomeSuccess, nil)
	}
	return s.finish(ctx, res, OutcomeFailed, xerrors.New(CodeDeterministicFailure, "交易在链上执行失败",
		xerrors.WithMetadata("tx_hash", receipt.TxHash.Hex()),
		xerrors.WithMetadata("block", strconv.FormatUint(receipt.BlockNumber, 10))))
}

func (s *Submitter) logRetry(attempt Attempt, remaining int, err error) {
	level := slog.LevelWarn
	if isKnownTransient(err) {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, "转账尝试失败",
		slog.Int("attempt", attempt.Index),
		slog.Int("remaining", remaining-1),
		slog.Uint64("nonce", attempt.Nonce),
		slog.String("gas_price", bigString(attempt.GasPrice)),
		slog.Any("error", err),
	)
}

func (s *Submitter) finish(ctx context.Context, res *Result, outcome Outcome, err error) (*Result, error) {
	res.Outcome = outcome
	res.Err = err
	res.FinishedAt = time.Now().UTC()

	metrics.TransferOutcomes.WithLabelValues(string(outcome)).Inc()
	metrics.TransferDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())

	attrs := []any{
		slog.String("owner", res.Owner),
		slog.String("outcome", string(outcome)),
		slog.String("source", res.Source.Hex()),
		slog.String("target", res.Target.Hex()),
		slog.String("amount", bigString(res.Amount)),
		slog.Int("attempts", len(res.Attempts)),
	}
	if res.TxHash != (common.Hash{}) {
		attrs = append(attrs, slog.String("tx_hash", res.TxHash.Hex()), slog.Uint64("block", res.BlockNumber))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	switch outcome {
	case OutcomeSuccess:
		s.logger.Info("转账成功", attrs...)
	case OutcomeInsufficientBalance, OutcomeCanceled:
		s.logger.Info("转账未执行", attrs...)
	default:
		s.logger.Error("转账失败", attrs...)
	}
	logger.Audit().Info("transfer_outcome", attrs...)

	// Results are recorded and alerted even when ctx was canceled.
	bg := context.WithoutCancel(ctx)
	if s.recorder != nil {
		if recErr := s.recorder.Record(bg, res); recErr != nil {
			s.logger.Warn("写入转账流水失败", slog.Any("error", recErr))
		}
	}
	if err != nil && xerrors.ShouldAlert(err) && s.alerter != nil {
		event := alerting.Event{
			Code:        xerrors.CodeOf(err),
			Message:     err.Error(),
			Severity:    xerrors.SeverityOf(err),
			Agent:       res.Owner,
			Account:     res.Source.Hex(),
			Attempts:    len(res.Attempts),
			MaxAttempts: res.MaxAttempts,
			Metadata:    map[string]string{"outcome": string(outcome)},
			OccurredAt:  res.FinishedAt,
		}
		if last := lastHash(res); last != (common.Hash{}) {
			event.TxHash = last.Hex()
		}
		if alertErr := s.alerter.Notify(bg, event); alertErr != nil {
			s.logger.Warn("发送告警失败", slog.Any("error", alertErr))
		}
	}
	return res, err
}

func lastHash(res *Result) common.Hash {
	for i := len(res.Attempts) - 1; i >= 0; i-- {
		if res.Attempts[i].TxHash != (common.Hash{}) {
			return res.Attempts[i].TxHash
		}
	}
	return common.Hash{}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
