package ethereum

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// DefaultERC20ABI covers the two methods the agents call.
const DefaultERC20ABI = `[
  {"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// LoadABI reads a token ABI from path, falling back to DefaultERC20ABI when
// path is empty. The file must define balanceOf and transfer.
func LoadABI(path string) (abi.ABI, error) {
	raw := DefaultERC20ABI
	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return abi.ABI{}, fmt.Errorf("未找到 ABI 文件 %s: %w", path, err)
			}
			return abi.ABI{}, fmt.Errorf("读取 ABI 文件失败: %w", err)
		}
		if !json.Valid(content) {
			return abi.ABI{}, fmt.Errorf("ABI 文件 %s 不是合法的 JSON", path)
		}
		raw = string(content)
	}

	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	for _, method := range []string{"balanceOf", "transfer"} {
		if _, ok := parsed.Methods[method]; !ok {
			return abi.ABI{}, fmt.Errorf("ABI 缺少 %s 方法", method)
		}
	}
	return parsed, nil
}
