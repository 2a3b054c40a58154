package ethereum

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"PairAgent-Chain/internal/web3"
	"PairAgent-Chain/internal/web3/signer"
)

// constantTokenCode answers every call with uint256(42): enough to stand in
// for balanceOf and to let transfer calls execute successfully.
var constantTokenCode = common.FromHex("0x602a60005260206000f3")

func newSimulatedLedger(t *testing.T) (*Client, *signer.KeySigner, common.Address) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	token := common.HexToAddress("0x00000000000000000000000000000000000000e2")

	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from:  {Balance: new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000_000))},
		token: {Balance: big.NewInt(0), Code: constantTokenCode},
	})
	t.Cleanup(func() { _ = backend.Close() })

	tokenABI, err := LoadABI("")
	if err != nil {
		t.Fatalf("load abi: %v", err)
	}
	client := NewSimulatedClient("simulated", backend, token, tokenABI)
	t.Cleanup(client.Close)

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	keySigner, err := signer.New(key, chainID)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return client, keySigner, token
}

func TestClientBalanceOf(t *testing.T) {
	client, keySigner, _ := newSimulatedLedger(t)

	balance, err := client.BalanceOf(context.Background(), keySigner.Address())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestClientTransferRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, keySigner, token := newSimulatedLedger(t)

	nonce, err := client.PendingNonce(ctx, keySigner.Address())
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("expected fresh account nonce 0, got %d", nonce)
	}

	price, err := client.GasPrice(ctx)
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}
	if price.Sign() <= 0 {
		t.Fatalf("expected positive gas price, got %s", price)
	}

	target := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	call, err := client.TransferCall(target, big.NewInt(1))
	if err != nil {
		t.Fatalf("transfer call: %v", err)
	}
	if call.To != token || len(call.Data) != 4+32+32 {
		t.Fatalf("unexpected call %+v", call)
	}

	tx, err := keySigner.Sign(ctx, web3.TxFields{
		From:     keySigner.Address(),
		To:       call.To,
		Nonce:    nonce,
		GasLimit: 200_000,
		GasPrice: new(big.Int).Mul(price, big.NewInt(2)),
		Data:     call.Data,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	hash, err := client.SubmitSigned(ctx, tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	receipt, err := client.AwaitReceipt(ctx, hash, 5*time.Second)
	if err != nil {
		t.Fatalf("await receipt: %v", err)
	}
	if !receipt.Succeeded() || receipt.TxHash != hash {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	next, err := client.PendingNonce(ctx, keySigner.Address())
	if err != nil {
		t.Fatalf("pending nonce after send: %v", err)
	}
	if next != 1 {
		t.Fatalf("expected nonce 1 after mined tx, got %d", next)
	}

	if _, err := client.SubmitSigned(ctx, tx); err == nil {
		t.Fatalf("expected resubmitting a mined tx to fail")
	}
}

func TestClientAwaitReceiptTimeout(t *testing.T) {
	client, _, _ := newSimulatedLedger(t)

	_, err := client.AwaitReceipt(context.Background(), common.HexToHash("0x01"), 50*time.Millisecond)
	if !errors.Is(err, web3.ErrReceiptTimeout) {
		t.Fatalf("expected receipt timeout, got %v", err)
	}
}

func TestTransferCallRejectsNonPositiveAmount(t *testing.T) {
	client, _, _ := newSimulatedLedger(t)
	if _, err := client.TransferCall(common.Address{}, big.NewInt(0)); err == nil {
		t.Fatalf("expected zero amount to be rejected")
	}
}

func TestLoadABIFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "erc20_abi.json")
	if err := os.WriteFile(path, []byte(DefaultERC20ABI), 0o600); err != nil {
		t.Fatalf("write abi: %v", err)
	}
	if _, err := LoadABI(path); err != nil {
		t.Fatalf("load abi: %v", err)
	}

	partial := filepath.Join(dir, "partial.json")
	if err := os.WriteFile(partial, []byte(`[{"type":"function","name":"name","inputs":[],"outputs":[{"type":"string"}]}]`), 0o600); err != nil {
		t.Fatalf("write abi: %v", err)
	}
	if _, err := LoadABI(partial); err == nil {
		t.Fatalf("expected ABI without transfer to be rejected")
	}

	if _, err := LoadABI(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}
