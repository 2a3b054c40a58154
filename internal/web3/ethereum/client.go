package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "PairAgent-Chain/internal/errors"
	"PairAgent-Chain/internal/web3"
)

const defaultReceiptPoll = time.Second

// Config describes how to construct an EVM ledger client for one ERC20 token.
type Config struct {
	Name        string
	RPCURL      string
	Token       string
	ABIPath     string
	Notes       string
	ReceiptPoll time.Duration
}

// backend is the slice of ethclient the ledger needs; both ethclient.Client
// and the simulated client satisfy it.
type backend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client implements web3.Ledger for an ERC20 token on an EVM chain.
type Client struct {
	name        string
	notes       string
	token       common.Address
	tokenABI    abi.ABI
	receiptPoll time.Duration

	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       backend
	commit    func()
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	tokenABI, err := LoadABI(cfg.ABIPath)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(cfg.Token) {
		return nil, fmt.Errorf("代币合约地址无效: %q", cfg.Token)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		token:       common.HexToAddress(cfg.Token),
		tokenABI:    tokenABI,
		receiptPoll: pollOrDefault(cfg.ReceiptPoll),
		rpcClient:   rpcClient,
		eth:         ethclient.NewClient(rpcClient),
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing
// purposes. Every submitted transaction is mined by committing a block while
// the client waits for its receipt.
func NewSimulatedClient(name string, sim *simulated.Backend, token common.Address, tokenABI abi.ABI) *Client {
	return &Client{
		name:        name,
		notes:       "simulated backend",
		token:       token,
		tokenABI:    tokenABI,
		receiptPoll: 10 * time.Millisecond,
		eth:         sim.Client(),
		commit:      func() { sim.Commit() },
	}
}

func pollOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultReceiptPoll
	}
	return d
}

// Name returns the chain name the client was registered under.
func (c *Client) Name() string { return c.name }

// Token returns the ERC20 contract address.
func (c *Client) Token() common.Address { return c.token }

func (c *Client) backend() (backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "以太坊客户端已关闭")
	}
	return c.eth, nil
}

// ChainID returns the chain id reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	id, err := eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "获取链 ID 失败")
	}
	return id, nil
}

// BalanceOf calls the token's balanceOf for account.
func (c *Client) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	data, err := c.tokenABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	token := c.token
	out, err := eth.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询代币余额失败")
	}
	values, err := c.tokenABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "解析代币余额失败")
	}
	if len(values) != 1 {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "balanceOf 返回值数量异常")
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeLedgerFailure, "balanceOf 返回值类型异常")
	}
	return balance, nil
}

// PendingNonce returns the account's transaction count including the pool.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	nonce, err := eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询交易计数失败")
	}
	return nonce, nil
}

// GasPrice returns the node's suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	price, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询 gas price 失败")
	}
	return price, nil
}

// TransferCall encodes transfer(to, amount) against the token contract.
func (c *Client) TransferCall(to common.Address, amount *big.Int) (web3.Call, error) {
	if amount == nil || amount.Sign() <= 0 {
		return web3.Call{}, xerrors.New(xerrors.CodeInvalidArgument, "转账数量必须为正数")
	}
	data, err := c.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return web3.Call{}, fmt.Errorf("编码 transfer 失败: %w", err)
	}
	return web3.Call{To: c.token, Data: data}, nil
}

// SubmitSigned broadcasts a signed transaction. The node's rejection reason
// is kept verbatim in the error chain so callers can classify it.
func (c *Client) SubmitSigned(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "交易不能为空")
	}
	eth, err := c.backend()
	if err != nil {
		return common.Hash{}, err
	}
	if err := eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "发送交易失败")
	}
	return tx.Hash(), nil
}

// AwaitReceipt polls for the receipt of hash until it appears or timeout
// elapses, in which case web3.ErrReceiptTimeout is returned.
func (c *Client) AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*web3.Receipt, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		if c.commit != nil {
			c.commit()
		}
		receipt, err := eth.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return &web3.Receipt{
				TxHash:      receipt.TxHash,
				Status:      web3.ReceiptStatus(receipt.Status),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) && waitCtx.Err() == nil {
			return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询交易回执失败")
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrReceiptTimeoutFor(hash)
		case <-ticker.C:
		}
	}
}

// ErrReceiptTimeoutFor annotates web3.ErrReceiptTimeout with the hash.
func ErrReceiptTimeoutFor(hash common.Hash) error {
	return fmt.Errorf("%s: %w", hash.Hex(), web3.ErrReceiptTimeout)
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.eth = nil
	c.commit = nil
}

var _ web3.Ledger = (*Client)(nil)
