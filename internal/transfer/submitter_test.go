package transfer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	xerrors "PairAgent-Chain/internal/errors"
	"PairAgent-Chain/internal/nonce"
	"PairAgent-Chain/internal/observability/alerting"
	"PairAgent-Chain/internal/web3"
	"PairAgent-Chain/internal/web3/signer"
)

var (
	testToken  = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	testTarget = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

type fakeLedger struct {
	balance      *big.Int
	gasPrice     *big.Int
	pendingNonce uint64

	// submitErr returns the rejection for the n-th submission (1-based).
	submitErr func(n int) error
	// receipt answers AwaitReceipt for a hash on its n-th lookup (1-based).
	receipt func(hash common.Hash, n int) (*web3.Receipt, error)

	balanceCalls atomic.Int32
	submits      atomic.Int32
	awaits       atomic.Int32

	mu        sync.Mutex
	submitted []*types.Transaction
	lookups   map[common.Hash]int
}

func (f *fakeLedger) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	f.balanceCalls.Add(1)
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeLedger) PendingNonce(context.Context, common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeLedger) GasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeLedger) TransferCall(to common.Address, amount *big.Int) (web3.Call, error) {
	data := append(common.LeftPadBytes(to.Bytes(), 32), common.LeftPadBytes(amount.Bytes(), 32)...)
	return web3.Call{To: testToken, Data: data}, nil
}

func (f *fakeLedger) SubmitSigned(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	n := int(f.submits.Add(1))
	f.mu.Lock()
	f.submitted = append(f.submitted, tx)
	f.mu.Unlock()
	if f.submitErr != nil {
		if err := f.submitErr(n); err != nil {
			return common.Hash{}, err
		}
	}
	return tx.Hash(), nil
}

func (f *fakeLedger) AwaitReceipt(_ context.Context, hash common.Hash, _ time.Duration) (*web3.Receipt, error) {
	f.awaits.Add(1)
	f.mu.Lock()
	if f.lookups == nil {
		f.lookups = make(map[common.Hash]int)
	}
	f.lookups[hash]++
	n := f.lookups[hash]
	f.mu.Unlock()
	if f.receipt != nil {
		return f.receipt(hash, n)
	}
	return &web3.Receipt{TxHash: hash, Status: web3.ReceiptSuccess, BlockNumber: 10}, nil
}

func (f *fakeLedger) Close() {}

func (f *fakeLedger) transactions() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.submitted...)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

type recordingRecorder struct {
	results atomic.Pointer[Result]
	calls   atomic.Int32
}

func (r *recordingRecorder) Record(_ context.Context, res *Result) error {
	r.calls.Add(1)
	r.results.Store(res)
	return nil
}

type harness struct {
	ledger    *fakeLedger
	nonces    *nonce.Manager
	submitter *Submitter
	source    common.Address
	alerts    *recordingDispatcher
	recorder  *recordingRecorder
}

func newHarness(t *testing.T, ledger *fakeLedger, opts ...Option) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keySigner, err := signer.New(key, big.NewInt(1337))
	require.NoError(t, err)

	if ledger.gasPrice == nil {
		ledger.gasPrice = big.NewInt(100)
	}
	if ledger.balance == nil {
		ledger.balance = big.NewInt(100)
	}
	h := &harness{
		ledger:   ledger,
		nonces:   nonce.NewManager(ledger),
		source:   keySigner.Address(),
		alerts:   &recordingDispatcher{},
		recorder: &recordingRecorder{},
	}
	opts = append([]Option{
		WithOwner("agent-b"),
		WithAlertDispatcher(h.alerts),
		WithRecorder(h.recorder),
		WithConfirmTimeout(time.Second),
	}, opts...)
	h.submitter = NewSubmitter(ledger, h.nonces, keySigner, opts...)
	return h
}

func (h *harness) submit(ctx context.Context, maxAttempts int) (*Result, error) {
	return h.submitter.Submit(ctx, h.source, testTarget, big.NewInt(1), maxAttempts)
}

func TestSubmitSucceedsOnFirstAttempt(t *testing.T) {
	h := newHarness(t, &fakeLedger{pendingNonce: 4})

	res, err := h.submit(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.EqualValues(t, 1, h.ledger.submits.Load())
	require.Equal(t, []uint64{4}, res.Nonces())
	require.Equal(t, uint64(10), res.BlockNumber)
	require.Equal(t, h.ledger.transactions()[0].Hash(), res.TxHash)

	tx := h.ledger.transactions()[0]
	require.Equal(t, testToken, *tx.To())
	require.Equal(t, uint64(DefaultGasLimit), tx.Gas())
	require.EqualValues(t, 1, h.recorder.calls.Load())
}

func TestSubmitRetriesTransientErrorsWithFreshNonces(t *testing.T) {
	ledger := &fakeLedger{
		pendingNonce: 5,
		submitErr: func(n int) error {
			switch n {
			case 1:
				return errors.New("already known")
			case 2:
				return errors.New("replacement transaction underpriced")
			}
			return nil
		},
	}
	h := newHarness(t, ledger)

	res, err := h.submit(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.EqualValues(t, 3, ledger.submits.Load())
	require.Equal(t, []uint64{5, 6, 7}, res.Nonces())

	prices := res.GasPrices()
	require.Len(t, prices, 3)
	require.Equal(t, "150", prices[0].String())
	require.Equal(t, "140", prices[1].String())
	require.Equal(t, "130", prices[2].String())
}

func TestSubmitStopsAfterAttemptBudget(t *testing.T) {
	ledger := &fakeLedger{
		submitErr: func(int) error { return errors.New("connection reset by peer") },
	}
	h := newHarness(t, ledger)

	res, err := h.submit(context.Background(), 2)
	require.Error(t, err)
	require.Equal(t, OutcomeRetriesExhausted, res.Outcome)
	require.Equal(t, xerrors.CodeRetriesExhausted, xerrors.CodeOf(err))
	require.EqualValues(t, 2, ledger.submits.Load())
	require.Len(t, res.Attempts, 2)

	_, primed := h.nonces.Peek(h.source)
	require.False(t, primed, "nonce cache should be dropped after exhausting retries")

	require.Len(t, h.alerts.events, 1)
	require.Equal(t, xerrors.CodeRetriesExhausted, h.alerts.events[0].Code)
}

func TestSubmitInsufficientBalanceMakesNoAttempt(t *testing.T) {
	ledger := &fakeLedger{balance: big.NewInt(0)}
	h := newHarness(t, ledger)

	res, err := h.submit(context.Background(), 3)
	require.Error(t, err)
	require.Equal(t, OutcomeInsufficientBalance, res.Outcome)
	require.Equal(t, CodeInsufficientBalance, xerrors.CodeOf(err))
	require.EqualValues(t, 0, ledger.submits.Load())
	require.EqualValues(t, 1, ledger.balanceCalls.Load())

	_, primed := h.nonces.Peek(h.source)
	require.False(t, primed, "no nonce should be acquired")
}

func TestSubmitDoesNotRetryRevertedTransfer(t *testing.T) {
	ledger := &fakeLedger{
		receipt: func(hash common.Hash, _ int) (*web3.Receipt, error) {
			return &web3.Receipt{TxHash: hash, Status: web3.ReceiptFailed, BlockNumber: 3}, nil
		},
	}
	h := newHarness(t, ledger)

	res, err := h.submit(context.Background(), 3)
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, CodeDeterministicFailure, xerrors.CodeOf(err))
	require.EqualValues(t, 1, ledger.submits.Load())
	require.Equal(t, uint64(3), res.BlockNumber)
}

func TestSubmitTreatsDuplicateNonceAsFatal(t *testing.T) {
	ledger := &fakeLedger{
		pendingNonce: 9,
		submitErr:    func(int) error { return errors.New("nonce too low: next nonce 12, tx nonce 9") },
	}
	h := newHarness(t, ledger)

	res, err := h.submit(context.Background(), 3)
	require.Error(t, err)
	require.Equal(t, OutcomeDuplicateNonce, res.Outcome)
	require.Equal(t, CodeDuplicateNonce, xerrors.CodeOf(err))
	require.EqualValues(t, 1, ledger.submits.Load())

	_, primed := h.nonces.Peek(h.source)
	require.False(t, primed, "nonce cache should resync after a duplicate")

	require.Len(t, h.alerts.events, 1)
	require.Equal(t, CodeDuplicateNonce, h.alerts.events[0].Code)
	require.Equal(t, "agent-b", h.alerts.events[0].Agent)
}

func TestSubmitReplacesTimedOutTransaction(t *testing.T) {
	var first atomic.Pointer[common.Hash]
	ledger := &fakeLedger{
		pendingNonce: 2,
		receipt: func(hash common.Hash, _ int) (*web3.Receipt, error) {
			first.CompareAndSwap(nil, &hash)
			if hash == *first.Load() {
				return nil, web3.ErrReceiptTimeout
			}
			return &web3.Receipt{TxHash: hash, Status: web3.ReceiptSuccess, BlockNumber: 8}, nil
		},
	}
	h := newHarness(t, ledger)

	res, err := h.submit(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.EqualValues(t, 2, ledger.submits.Load())
	require.Equal(t, []uint64{2, 2}, res.Nonces(), "replacement must reuse the pending nonce")

	prices := res.GasPrices()
	require.True(t, prices[1].Cmp(replacementFloor(prices[0])) >= 0, "replacement must outbid the pending transaction")
	require.NotEqual(t, *first.Load(), res.TxHash)
}

func TestSubmitSettlesWhenTimedOutTransactionLands(t *testing.T) {
	ledger := &fakeLedger{
		receipt: func(hash common.Hash, n int) (*web3.Receipt, error) {
			if n == 1 {
				return nil, web3.ErrReceiptTimeout
			}
			return &web3.Receipt{TxHash: hash, Status: web3.ReceiptSuccess, BlockNumber: 21}, nil
		},
	}
	h := newHarness(t, ledger)

	res, err := h.submit(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.EqualValues(t, 1, ledger.submits.Load(), "no second transfer once the first one landed")
	require.Equal(t, ledger.transactions()[0].Hash(), res.TxHash)
}

func TestSubmitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ledger := &fakeLedger{}
	h := newHarness(t, ledger)

	res, err := h.submit(ctx, 3)
	require.Error(t, err)
	require.Equal(t, OutcomeCanceled, res.Outcome)
	require.EqualValues(t, 0, ledger.submits.Load())
	require.EqualValues(t, 1, h.recorder.calls.Load(), "canceled results are still recorded")
}

func TestSubmitRejectsForeignSource(t *testing.T) {
	ledger := &fakeLedger{}
	h := newHarness(t, ledger)

	res, err := h.submitter.Submit(context.Background(), testTarget, h.source, big.NewInt(1), 3)
	require.Error(t, err)
	require.Equal(t, OutcomeAborted, res.Outcome)
	require.EqualValues(t, 0, ledger.balanceCalls.Load())
}

func TestEscalatedGasPrice(t *testing.T) {
	base := big.NewInt(1_000_000_000)
	cases := map[int]string{
		3: "1500000000",
		2: "1400000000",
		1: "1300000000",
		0: "1200000000",
	}
	for remaining, want := range cases {
		if got := EscalatedGasPrice(base, remaining).String(); got != want {
			t.Fatalf("remaining=%d: got %s want %s", remaining, got, want)
		}
	}
	if EscalatedGasPrice(nil, 3).Sign() != 0 {
		t.Fatalf("nil base should price at zero")
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	if classify(ctx, errors.New("Nonce too low")) != classDuplicateNonce {
		t.Fatalf("expected duplicate nonce classification")
	}
	if classify(ctx, errors.New("nonce has already been used")) != classDuplicateNonce {
		t.Fatalf("expected duplicate nonce classification")
	}
	if classify(ctx, web3.ErrReceiptTimeout) != classTimeout {
		t.Fatalf("expected timeout classification")
	}
	if classify(ctx, errors.New("already known")) != classTransient {
		t.Fatalf("expected transient classification")
	}
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if classify(canceled, errors.New("anything")) != classCanceled {
		t.Fatalf("expected canceled classification")
	}
}

func TestConcurrentSubmitsNeverShareANonce(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	ledger := &fakeLedger{
		pendingNonce: 5,
		submitErr: func(n int) error {
			switch n {
			case 1: // 第一笔停在广播阶段
				close(entered)
				<-unblock
			case 2:
				return errors.New("replacement transaction underpriced")
			}
			return nil
		},
	}
	h := newHarness(t, ledger)
	ctx := context.Background()

	type outcome struct {
		res *Result
		err error
	}
	slow := make(chan outcome, 1)
	go func() {
		res, err := h.submit(ctx, 1)
		slow <- outcome{res, err}
	}()
	<-entered

	rejected, err := h.submit(ctx, 1)
	require.Error(t, err)
	require.Equal(t, OutcomeRetriesExhausted, rejected.Outcome)

	next, err := h.submit(ctx, 1)
	require.NoError(t, err)

	close(unblock)
	first := <-slow
	require.NoError(t, first.err)

	require.Equal(t, []uint64{5}, first.res.Nonces())
	require.Equal(t, []uint64{6}, rejected.Nonces())
	require.Equal(t, []uint64{7}, next.Nonces(), "reset must not reissue a nonce still held by another submission")

	require.Zero(t, h.nonces.Outstanding(h.source))
	_, primed := h.nonces.Peek(h.source)
	require.False(t, primed, "deferred resync applies once every lease is back")
}

func TestAttemptErrorsCarryTaxonomyCodes(t *testing.T) {
	var first atomic.Pointer[common.Hash]
	ledger := &fakeLedger{
		pendingNonce: 1,
		submitErr: func(n int) error {
			if n == 1 {
				return errors.New("already known")
			}
			return nil
		},
		receipt: func(hash common.Hash, _ int) (*web3.Receipt, error) {
			first.CompareAndSwap(nil, &hash)
			if hash == *first.Load() {
				return nil, web3.ErrReceiptTimeout
			}
			return &web3.Receipt{TxHash: hash, Status: web3.ReceiptSuccess, BlockNumber: 3}, nil
		},
	}
	h := newHarness(t, ledger)

	res, err := h.submit(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, res.Attempts, 3)

	rejected := res.Attempts[0].Err
	require.Equal(t, CodeTransientSubmission, xerrors.CodeOf(rejected))
	require.True(t, xerrors.RetryableError(rejected))
	require.ErrorContains(t, rejected, "already known")

	timedOut := res.Attempts[1].Err
	require.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(timedOut))
	require.ErrorIs(t, timedOut, web3.ErrReceiptTimeout)
	coded, ok := xerrors.From(timedOut)
	require.True(t, ok)
	require.Equal(t, res.Attempts[1].TxHash.Hex(), coded.Metadata()["tx_hash"])

	require.NoError(t, res.Attempts[2].Err)
}

func TestAttemptErrorLeavesTerminalClassesUntouched(t *testing.T) {
	cause := errors.New("nonce too low")
	require.Same(t, cause, attemptError(classDuplicateNonce, cause, "x"))
	require.Same(t, cause, attemptError(classCanceled, cause, "x"))
}
