package web3

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions is the parsed form of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链：RPC 端点以及可选的代币合约与 ABI。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Token       string `yaml:"token"`
	ABIPath     string `yaml:"abi_path"`
	Description string `yaml:"description"`
}

// 目前只支持 EVM 兼容链，两种写法等价。
var evmChainTypes = []string{"", "evm", "ethereum"}

// LoadChainDefinitions reads and validates a chain file. An empty path yields
// an empty set. Relative abi_path entries are resolved against the directory
// of the chain file.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	defs, err := ParseChainDefinitions(raw, filepath.Dir(path))
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// ParseChainDefinitions decodes YAML content; baseDir anchors relative ABI paths.
func ParseChainDefinitions(raw []byte, baseDir string) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	normalized := make(map[string]ChainDefinition, len(defs.Chains))
	for name, chain := range defs.Chains {
		chain, err := chain.normalize(baseDir)
		if err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s: %w", name, err)
		}
		normalized[name] = chain
	}
	defs.Chains = normalized
	return defs, nil
}

func (c ChainDefinition) normalize(baseDir string) (ChainDefinition, error) {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if !slices.Contains(evmChainTypes, c.Type) {
		return c, fmt.Errorf("不支持的链类型 %q", c.Type)
	}
	c.Type = "evm"
	c.RPCURL = strings.TrimSpace(c.RPCURL)
	if c.RPCURL == "" {
		return c, fmt.Errorf("缺少 rpc_url")
	}
	c.Token = strings.TrimSpace(c.Token)
	if c.Token != "" && !common.IsHexAddress(c.Token) {
		return c, fmt.Errorf("代币地址 %q 无效", c.Token)
	}
	c.ABIPath = strings.TrimSpace(c.ABIPath)
	if c.ABIPath != "" && !filepath.IsAbs(c.ABIPath) && baseDir != "" {
		c.ABIPath = filepath.Join(baseDir, c.ABIPath)
	}
	return c, nil
}

// Names returns the chain names in sorted order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
