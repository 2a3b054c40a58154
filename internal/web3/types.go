package web3

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "PairAgent-Chain/internal/errors"
)

// ReceiptStatus mirrors the status field of a transaction receipt.
type ReceiptStatus uint64

const (
	ReceiptFailed  ReceiptStatus = ReceiptStatus(types.ReceiptStatusFailed)
	ReceiptSuccess ReceiptStatus = ReceiptStatus(types.ReceiptStatusSuccessful)
)

// Receipt is the ledger's confirmation record for a submitted transaction.
type Receipt struct {
	TxHash      common.Hash
	Status      ReceiptStatus
	BlockNumber uint64
	GasUsed     uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == ReceiptSuccess
}

// Call is the target and calldata of a contract invocation.
type Call struct {
	To   common.Address
	Data []byte
}

// TxFields carries everything a signer needs to produce a transaction.
type TxFields struct {
	From     common.Address
	To       common.Address
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
	Value    *big.Int
	Data     []byte
}

// ErrReceiptTimeout is returned when no receipt shows up within the bound.
var ErrReceiptTimeout = xerrors.New(xerrors.CodeTimeout, "等待交易回执超时")

// Ledger is the subset of chain access the agents rely on. Implementations
// must be safe for concurrent use.
type Ledger interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	TransferCall(to common.Address, amount *big.Int) (Call, error)
	SubmitSigned(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error)
	Close()
}

// Signer produces signed transactions for a single account.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, fields TxFields) (*types.Transaction, error)
}
