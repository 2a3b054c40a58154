package transfer

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PairAgent-Chain/internal/errors"
)

// Outcome 表示一次转账提交的最终结果。
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeFailed              Outcome = "failed"
	OutcomeInsufficientBalance Outcome = "insufficient_balance"
	OutcomeRetriesExhausted    Outcome = "retries_exhausted"
	OutcomeDuplicateNonce      Outcome = "duplicate_nonce"
	OutcomeCanceled            Outcome = "canceled"
	// OutcomeAborted covers failures before any transfer could be built:
	// an unreadable balance, a bad argument, or a signer error.
	OutcomeAborted Outcome = "aborted"
)

const (
	CodeInsufficientBalance  xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeTransientSubmission  xerrors.Code = "TRANSIENT_SUBMISSION"
	CodeDeterministicFailure xerrors.Code = "DETERMINISTIC_FAILURE"
	CodeDuplicateNonce       xerrors.Code = "DUPLICATE_NONCE"
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:  "insufficient token balance",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTransientSubmission, xerrors.Attributes{
		Message:   "transient submission error",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeDeterministicFailure, xerrors.Attributes{
		Message:  "transaction reverted on chain",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeDuplicateNonce, xerrors.Attributes{
		Message:  "ledger rejected a reused nonce",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Attempt 记录一次提交尝试，仅在 Submit 调用期间存在。
type Attempt struct {
	Index    int
	Nonce    uint64
	GasPrice *big.Int
	TxHash   common.Hash
	Err      error
}

// Result 汇总一次 Submit 调用。
type Result struct {
	Owner       string
	Source      common.Address
	Target      common.Address
	Amount      *big.Int
	Outcome     Outcome
	TxHash      common.Hash
	BlockNumber uint64
	MaxAttempts int
	Attempts    []Attempt
	Err         error
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Succeeded reports whether the transfer was confirmed.
func (r *Result) Succeeded() bool {
	return r != nil && r.Outcome == OutcomeSuccess
}

// Nonces lists the nonce used by each attempt in order.
func (r *Result) Nonces() []uint64 {
	if r == nil {
		return nil
	}
	out := make([]uint64, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		out = append(out, a.Nonce)
	}
	return out
}

// GasPrices lists the gas price offered by each attempt in order.
func (r *Result) GasPrices() []*big.Int {
	if r == nil {
		return nil
	}
	out := make([]*big.Int, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		out = append(out, a.GasPrice)
	}
	return out
}

// EscalatedGasPrice returns base × (1.2 + 0.1 × attemptsRemaining), computed
// in integer arithmetic as base × (12 + attemptsRemaining) / 10.
func EscalatedGasPrice(base *big.Int, attemptsRemaining int) *big.Int {
	if base == nil {
		return new(big.Int)
	}
	if attemptsRemaining < 0 {
		attemptsRemaining = 0
	}
	price := new(big.Int).Mul(base, big.NewInt(int64(12+attemptsRemaining)))
	return price.Quo(price, big.NewInt(10))
}

// replacementFloor is the lowest price a node accepts for a transaction
// replacing a pending one with the same nonce (a 10% bump, rounded up).
func replacementFloor(previous *big.Int) *big.Int {
	floor := new(big.Int).Mul(previous, big.NewInt(11))
	floor.Quo(floor, big.NewInt(10))
	return floor.Add(floor, big.NewInt(1))
}
