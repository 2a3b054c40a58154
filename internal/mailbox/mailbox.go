package mailbox

import (
	"context"

	xerrors "PairAgent-Chain/internal/errors"
)

const (
	CodeMailboxFull   xerrors.Code = "MAILBOX_FULL"
	CodeMailboxClosed xerrors.Code = "MAILBOX_CLOSED"
)

var (
	// ErrMailboxFull 表示有界邮箱已达到容量上限。
	ErrMailboxFull = xerrors.New(CodeMailboxFull, "mailbox is full")
	// ErrMailboxClosed 表示邮箱已关闭。
	ErrMailboxClosed = xerrors.New(CodeMailboxClosed, "mailbox is closed")
)

func init() {
	xerrors.Register(CodeMailboxFull, xerrors.Attributes{
		Message:   "mailbox is full",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeMailboxClosed, xerrors.Attributes{
		Message:  "mailbox is closed",
		Severity: xerrors.SeverityInfo,
	})
}

// Mailbox is a FIFO queue shared by two agents.
//
// Enqueue appends to the tail. Dequeue removes and returns the head, or
// ok=false when the mailbox is empty; it never blocks. Reading and removing
// the head happen in one atomic step, so concurrent consumers never observe
// the same message.
type Mailbox interface {
	Name() string
	Enqueue(ctx context.Context, msg Message) error
	Dequeue(ctx context.Context) (msg Message, ok bool, err error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Factory 根据名称创建（或连接到）一个邮箱。
type Factory func(name string) (Mailbox, error)

// Pair 表示两个代理背靠背共享的一对邮箱。
type Pair struct {
	AToB Mailbox
	BToA Mailbox
}

// NewPair 创建两个方向的邮箱：a 的发件箱即 b 的收件箱。
func NewPair(factory Factory, a, b string) (*Pair, error) {
	aToB, err := factory(a + "->" + b)
	if err != nil {
		return nil, err
	}
	bToA, err := factory(b + "->" + a)
	if err != nil {
		_ = aToB.Close()
		return nil, err
	}
	return &Pair{AToB: aToB, BToA: bToA}, nil
}

// Close 关闭两个方向的邮箱。
func (p *Pair) Close() error {
	if p == nil {
		return nil
	}
	errA := p.AToB.Close()
	errB := p.BToA.Close()
	if errA != nil {
		return errA
	}
	return errB
}
