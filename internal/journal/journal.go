// Package journal keeps a record of every transfer submission outcome.
package journal

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"

	"PairAgent-Chain/internal/transfer"
)

const defaultListLimit = 20

// Entry 是一次转账提交的流水记录。
type Entry struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	Amount      string    `json:"amount"`
	Outcome     string    `json:"outcome"`
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	Attempts    int       `json:"attempts"`
	Nonces      []uint64  `json:"nonces"`
	GasPrices   []string  `json:"gas_prices"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Journal 抽象转账流水的持久化接口。
type Journal interface {
	Record(ctx context.Context, res *transfer.Result) error
	Append(ctx context.Context, entry Entry) error
	ListLatest(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// FromResult converts a submission result into a journal entry with a fresh id.
func FromResult(res *transfer.Result) Entry {
	entry := Entry{
		ID:          uuid.NewString(),
		Owner:       res.Owner,
		Source:      res.Source.Hex(),
		Target:      res.Target.Hex(),
		Amount:      bigString(res.Amount),
		Outcome:     string(res.Outcome),
		BlockNumber: res.BlockNumber,
		Attempts:    len(res.Attempts),
		Nonces:      res.Nonces(),
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
	}
	if res.TxHash != ([32]byte{}) {
		entry.TxHash = res.TxHash.Hex()
	}
	for _, price := range res.GasPrices() {
		entry.GasPrices = append(entry.GasPrices, bigString(price))
	}
	if entry.Nonces == nil {
		entry.Nonces = []uint64{}
	}
	if entry.GasPrices == nil {
		entry.GasPrices = []string{}
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	return entry
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var (
	_ transfer.Recorder = (*MemoryJournal)(nil)
	_ transfer.Recorder = (*SQLJournal)(nil)
)
