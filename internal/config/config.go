package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"PairAgent-Chain/internal/auth"
	"PairAgent-Chain/pkg/logger"
)

// Config 描述了 pairagent 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Metrics  MetricsConfig  `json:"metrics"`
	Log      logger.Config  `json:"log"`
	Web3     Web3Config     `json:"web3"`
	Accounts AccountsConfig `json:"accounts"`
	Mailbox  MailboxConfig  `json:"mailbox"`
	Agents   AgentsConfig   `json:"agents"`
	Transfer TransferConfig `json:"transfer"`
	Journal  JournalConfig  `json:"journal"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制状态 API 的监听地址。
type ServerConfig struct {
	Address         string       `json:"address"`
	ShutdownTimeout Duration     `json:"shutdown_timeout"`
	Tokens          []auth.Token `json:"tokens"`
}

// MetricsConfig 控制 Prometheus 指标的暴露方式。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// Web3Config 包含访问链节点与代币合约所需的信息。
type Web3Config struct {
	RPCURL       string   `json:"rpc_url"`
	ChainConfig  string   `json:"chain_config"`
	DefaultChain string   `json:"default_chain"`
	Token        string   `json:"token"`
	ABIPath      string   `json:"abi_path"`
	ReceiptPoll  Duration `json:"receipt_poll"`
}

// AccountsConfig 描述转账的两个固定账户以及源账户私钥。
type AccountsConfig struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	PrivateKey string `json:"-"`
}

// MailboxConfig 选择邮箱的传输实现。
type MailboxConfig struct {
	Driver       string         `json:"driver"`
	Capacity     int            `json:"capacity"`
	PollInterval Duration       `json:"poll_interval"`
	Redis        RedisConfig    `json:"redis"`
	RabbitMQ     RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 邮箱的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 邮箱的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Prefix     string `json:"prefix"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AgentsConfig 控制两个代理的行为节奏。
type AgentsConfig struct {
	First            string   `json:"first"`
	Second           string   `json:"second"`
	GenerateInterval Duration `json:"generate_interval"`
	BalanceInterval  Duration `json:"balance_interval"`
	QuietPeriod      Duration `json:"quiet_period"`
	DispatchWorkers  int      `json:"dispatch_workers"`
	Words            []string `json:"words"`
}

// TransferConfig 控制转账提交的重试策略。
type TransferConfig struct {
	MaxAttempts    int      `json:"max_attempts"`
	ConfirmTimeout Duration `json:"confirm_timeout"`
	GasLimit       uint64   `json:"gas_limit"`
	Amount         int64    `json:"amount"`
}

// JournalConfig 选择转账流水的存储实现。
type JournalConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Path   string `json:"path"`
}

// AlertingConfig 配置告警渠道；日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// DefaultWords is the vocabulary the generators draw from.
var DefaultWords = []string{"hello", "sun", "world", "space", "moon", "crypto", "sky", "ocean", "universe", "human"}

// Load 负责解析指定路径的 JSON 配置文件，并叠加环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)

	return &cfg, nil
}

// loadDotEnv reads .env from the working directory and the config directory.
// Variables already present in the environment are never overwritten.
func loadDotEnv(baseDir string) error {
	for _, candidate := range []string{".env", filepath.Join(baseDir, ".env")} {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			return fmt.Errorf("加载 %s 失败: %w", candidate, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Web3.RPCURL, "WEB3_PROVIDER_URL")
	setFromEnv(&c.Web3.Token, "ERC20_CONTRACT_ADDRESS")
	setFromEnv(&c.Web3.ABIPath, "ERC20_ABI_PATH")
	setFromEnv(&c.Accounts.PrivateKey, "PRIVATE_KEY_SOURCE")
	setFromEnv(&c.Accounts.Source, "ADDRESS_SOURCE")
	setFromEnv(&c.Accounts.Target, "ADDRESS_TARGET")
	setFromEnv(&c.Mailbox.Redis.Address, "PAIRAGENT_REDIS_ADDR")
	setFromEnv(&c.Mailbox.RabbitMQ.URL, "PAIRAGENT_AMQP_URL")
	setFromEnv(&c.Journal.DSN, "PAIRAGENT_MYSQL_DSN")
	setFromEnv(&c.Alerting.WebhookURL, "PAIRAGENT_ALERT_WEBHOOK")
	if token := strings.TrimSpace(os.Getenv("PAIRAGENT_API_TOKEN")); token != "" {
		c.Server.Tokens = append(c.Server.Tokens, auth.Token{
			Name:        "env",
			Secret:      token,
			Permissions: []string{auth.PermissionRead, auth.PermissionWrite},
		})
	}
}

func setFromEnv(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	c.Web3.ABIPath = resolvePath(baseDir, c.Web3.ABIPath)
	if c.Web3.ReceiptPoll <= 0 {
		c.Web3.ReceiptPoll = Duration(time.Second)
	}

	if c.Mailbox.Driver == "" {
		c.Mailbox.Driver = "memory"
	}
	c.Mailbox.Driver = strings.ToLower(c.Mailbox.Driver)
	if c.Mailbox.PollInterval <= 0 {
		c.Mailbox.PollInterval = Duration(time.Second)
	}

	if c.Agents.First == "" {
		c.Agents.First = "agent-a"
	}
	if c.Agents.Second == "" {
		c.Agents.Second = "agent-b"
	}
	if c.Agents.GenerateInterval <= 0 {
		c.Agents.GenerateInterval = Duration(2 * time.Second)
	}
	if c.Agents.BalanceInterval <= 0 {
		c.Agents.BalanceInterval = Duration(10 * time.Second)
	}
	if c.Agents.QuietPeriod <= 0 {
		c.Agents.QuietPeriod = Duration(time.Second)
	}
	if c.Agents.DispatchWorkers <= 0 {
		c.Agents.DispatchWorkers = 4
	}
	if len(c.Agents.Words) == 0 {
		c.Agents.Words = append([]string(nil), DefaultWords...)
	}

	if c.Transfer.MaxAttempts <= 0 {
		c.Transfer.MaxAttempts = 3
	}
	if c.Transfer.ConfirmTimeout <= 0 {
		c.Transfer.ConfirmTimeout = Duration(120 * time.Second)
	}
	if c.Transfer.GasLimit == 0 {
		c.Transfer.GasLimit = 200_000
	}
	if c.Transfer.Amount <= 0 {
		c.Transfer.Amount = 1
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	c.Journal.Driver = strings.ToLower(c.Journal.Driver)
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.Runtime.DataDir, "transfers.jsonl")
	} else {
		c.Journal.Path = resolvePath(baseDir, c.Journal.Path)
	}
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// SourceAddress returns the parsed source account.
func (c *Config) SourceAddress() (common.Address, error) {
	return parseAddress("ADDRESS_SOURCE", c.Accounts.Source)
}

// TargetAddress returns the parsed target account.
func (c *Config) TargetAddress() (common.Address, error) {
	return parseAddress("ADDRESS_TARGET", c.Accounts.Target)
}

func parseAddress(name, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s 不是合法的地址: %q", name, value)
	}
	return common.HexToAddress(value), nil
}

// Validate checks the settings required before any agent loop may start.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.SourceAddress(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TargetAddress(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Accounts.PrivateKey) == "" {
		errs = append(errs, errors.New("未配置 PRIVATE_KEY_SOURCE"))
	}
	if strings.TrimSpace(c.Web3.RPCURL) == "" && strings.TrimSpace(c.Web3.ChainConfig) == "" {
		errs = append(errs, errors.New("未配置 WEB3_PROVIDER_URL 或 chain_config"))
	}
	switch c.Mailbox.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("不支持的邮箱驱动 %s", c.Mailbox.Driver))
	}
	switch c.Journal.Driver {
	case "memory", "mysql":
	default:
		errs = append(errs, fmt.Errorf("不支持的流水驱动 %s", c.Journal.Driver))
	}
	if c.Journal.Driver == "mysql" && strings.TrimSpace(c.Journal.DSN) == "" {
		errs = append(errs, errors.New("mysql 流水需要配置 dsn"))
	}
	return errors.Join(errs...)
}
