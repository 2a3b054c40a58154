// Package signer signs ledger transactions with a local ECDSA key.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"PairAgent-Chain/internal/web3"
)

// KeySigner signs legacy transactions for the account derived from its key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// New wraps an ECDSA key for the given chain.
func New(key *ecdsa.PrivateKey, chainID *big.Int) (*KeySigner, error) {
	if key == nil {
		return nil, errors.New("私钥不能为空")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("链 ID 无效")
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

// FromHex parses a hex private key, with or without the 0x prefix.
func FromHex(hexKey string, chainID *big.Int) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("私钥不能为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return New(key, chainID)
}

// Address returns the account controlled by the key.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// Sign builds and signs a transaction from the given fields.
func (s *KeySigner) Sign(_ context.Context, fields web3.TxFields) (*types.Transaction, error) {
	if fields.From != (common.Address{}) && fields.From != s.address {
		return nil, fmt.Errorf("签名账户 %s 与交易发送方 %s 不一致", s.address.Hex(), fields.From.Hex())
	}
	if fields.GasPrice == nil {
		return nil, errors.New("gas price 不能为空")
	}
	value := fields.Value
	if value == nil {
		value = new(big.Int)
	}
	to := fields.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    fields.Nonce,
		GasPrice: new(big.Int).Set(fields.GasPrice),
		Gas:      fields.GasLimit,
		To:       &to,
		Value:    new(big.Int).Set(value),
		Data:     append([]byte(nil), fields.Data...),
	})
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

var _ web3.Signer = (*KeySigner)(nil)
