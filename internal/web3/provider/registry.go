package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"PairAgent-Chain/internal/config"
	"PairAgent-Chain/internal/web3"
	"PairAgent-Chain/internal/web3/ethereum"
)

// Registry manages a set of ledger clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
}

// Dialer builds a ledger client; replaced in tests.
type Dialer func(ctx context.Context, cfg ethereum.Config) (*ethereum.Client, error)

// NewRegistry loads chain definitions and dials concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return NewRegistryWithDialer(ctx, cfg, ethereum.NewClient)
}

// NewRegistryWithDialer is NewRegistry with a custom client constructor.
func NewRegistryWithDialer(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	configs, defaultChain, err := clientConfigs(cfg)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*ethereum.Client, len(configs))
	for _, clientCfg := range configs {
		client, err := dial(ctx, clientCfg)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, fmt.Errorf("初始化链 %s 失败: %w", clientCfg.Name, err)
		}
		clients[clientCfg.Name] = client
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// clientConfigs merges chain.yaml entries with the flat web3 settings. The
// flat settings fill in token and ABI for chains that omit them.
func clientConfigs(cfg config.Web3Config) ([]ethereum.Config, string, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, "", err
	}

	var configs []ethereum.Config
	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		configs = append(configs, ethereum.Config{
			Name:        name,
			RPCURL:      chain.RPCURL,
			Token:       firstNonEmpty(chain.Token, cfg.Token),
			ABIPath:     firstNonEmpty(chain.ABIPath, cfg.ABIPath),
			Notes:       chain.Description,
			ReceiptPoll: cfg.ReceiptPoll.Duration(),
		})
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if len(configs) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		configs = append(configs, ethereum.Config{
			Name:        "default",
			RPCURL:      cfg.RPCURL,
			Token:       cfg.Token,
			ABIPath:     cfg.ABIPath,
			ReceiptPoll: cfg.ReceiptPoll.Duration(),
		})
		if defaultChain == "" {
			defaultChain = "default"
		}
	}
	if len(configs) == 0 {
		return nil, "", errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		defaultChain = configs[0].Name
	}
	if !slices.ContainsFunc(configs, func(c ethereum.Config) bool { return c.Name == defaultChain }) {
		return nil, "", fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return configs, defaultChain, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (*ethereum.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the ledger client identified by name.
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.clients))
}
