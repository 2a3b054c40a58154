package relay

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"PairAgent-Chain/internal/agent"
	"PairAgent-Chain/internal/mailbox"
	"PairAgent-Chain/internal/observability/metrics"
	"PairAgent-Chain/internal/transfer"
)

// Transferer is the submission capability the transfer handler needs.
type Transferer interface {
	Submit(ctx context.Context, source, target common.Address, amount *big.Int, maxAttempts int) (*transfer.Result, error)
}

// BalanceReader reads a token balance.
type BalanceReader interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

// GreetingHandler logs messages that carry the greeting marker.
func GreetingHandler(log *slog.Logger) agent.Handler {
	return func(_ context.Context, msg mailbox.Message) error {
		if !strings.Contains(msg.Content, greetingMarker) {
			return nil
		}
		log.Info("handle_hello invoked for message: "+msg.Content,
			slog.String("message_id", msg.ID), slog.String("sender", msg.Sender))
		return nil
	}
}

// TransferRequest describes the fixed transfer every "crypto" message triggers.
type TransferRequest struct {
	Source      common.Address
	Target      common.Address
	Amount      *big.Int
	MaxAttempts int
}

// TransferHandler submits req for messages that carry the transfer marker.
// An insufficient balance is an expected outcome and is not reported as a
// handler error.
func TransferHandler(submitter Transferer, req TransferRequest, log *slog.Logger) agent.Handler {
	return func(ctx context.Context, msg mailbox.Message) error {
		if !strings.Contains(msg.Content, transferMarker) {
			return nil
		}
		log.Info("handle_crypto invoked for message: "+msg.Content, slog.String("message_id", msg.ID))
		res, err := submitter.Submit(ctx, req.Source, req.Target, req.Amount, req.MaxAttempts)
		if res != nil && res.Outcome == transfer.OutcomeInsufficientBalance {
			return nil
		}
		return err
	}
}

// BalanceProbe logs the account's balance and publishes it as a gauge.
func BalanceProbe(owner string, ledger BalanceReader, account common.Address, log *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		balance, err := ledger.BalanceOf(ctx, account)
		if err != nil {
			return err
		}
		value, _ := new(big.Float).SetInt(balance).Float64()
		metrics.SourceBalance.WithLabelValues(owner).Set(value)
		log.Info("Balance: "+balance.String(), slog.String("account", account.Hex()))
		return nil
	}
}
