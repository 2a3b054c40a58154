package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"PairAgent-Chain/internal/web3"
)

func TestSignRecoversSender(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(1337)
	s, err := New(key, chainID)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	to := common.HexToAddress("0x00000000000000000000000000000000000000c3")
	tx, err := s.Sign(context.Background(), web3.TxFields{
		From:     s.Address(),
		To:       to,
		Nonce:    4,
		GasLimit: 200000,
		GasPrice: big.NewInt(1_500_000_000),
		Data:     []byte{0xa9, 0x05, 0x9c, 0xbb},
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != s.Address() {
		t.Fatalf("sender %s, want %s", sender.Hex(), s.Address().Hex())
	}
	if tx.Nonce() != 4 || tx.Gas() != 200000 || *tx.To() != to {
		t.Fatalf("unexpected transaction fields: nonce=%d gas=%d to=%s", tx.Nonce(), tx.Gas(), tx.To().Hex())
	}
}

func TestSignRejectsForeignSender(t *testing.T) {
	key, _ := crypto.GenerateKey()
	s, err := New(key, big.NewInt(1))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	_, err = s.Sign(context.Background(), web3.TxFields{
		From:     common.HexToAddress("0x00000000000000000000000000000000000000ff"),
		GasPrice: big.NewInt(1),
	})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestFromHexAcceptsPrefix(t *testing.T) {
	key, _ := crypto.GenerateKey()
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	s, err := FromHex(hexKey, big.NewInt(5))
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}
	if s.Address() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("address mismatch")
	}
	if _, err := FromHex("", big.NewInt(5)); err == nil {
		t.Fatal("expected error for empty key")
	}
}
