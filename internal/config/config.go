package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fieldproof/internal/domain"
)

// Config models fieldproof.yml.
type Config struct {
	Platform struct {
		Currency string `yaml:"currency"`
		FeeBps   int64  `yaml:"fee_bps"`
	} `yaml:"platform"`
	Escrow struct {
		Provider string `yaml:"provider"`
	} `yaml:"escrow"`
	Chain    Chain    `yaml:"chain"`
	Staking  Staking  `yaml:"staking"`
	Claims   Claims   `yaml:"claims"`
	Disputes Disputes `yaml:"disputes"`
	Server   Server   `yaml:"server"`
	Redis    Redis    `yaml:"redis"`
	Log      Log      `yaml:"log"`
}

type Chain struct {
	ChainID          int64         `yaml:"chain_id"`
	RPCURL           string        `yaml:"rpc_url"`
	ContractAddress  string        `yaml:"contract_address"`
	OperatorKey      string        `yaml:"operator_key"`
	FeeBps           int64         `yaml:"fee_bps"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	BackfillBlocks   uint64        `yaml:"backfill_blocks"`
	MaxBlockRange    uint64        `yaml:"max_block_range"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
	RPCRatePerSecond float64       `yaml:"rpc_rate_per_second"`
	GasLimit         uint64        `yaml:"gas_limit"`
}

type Staking struct {
	BaseBps                  int64         `yaml:"base_bps"`
	MinBps                   int64         `yaml:"min_bps"`
	MaxBps                   int64         `yaml:"max_bps"`
	StrikeIncrementBps       int64         `yaml:"strike_increment_bps"`
	ReputationThresholdBps   int64         `yaml:"reputation_threshold_bps"`
	ReputationDiscountBps    int64         `yaml:"reputation_discount_bps"`
	ReleaseDelay             time.Duration `yaml:"release_delay"`
	DefaultRequesterShareBps int64         `yaml:"default_requester_share_bps"`
}

type Claims struct {
	Duration time.Duration `yaml:"duration"`
}

type Disputes struct {
	Window time.Duration `yaml:"window"`
}

type Server struct {
	Addr             string `yaml:"addr"`
	BasePath         string `yaml:"base_path"`
	JWTSecret        string `yaml:"jwt_secret"`
	AllowActorHeader bool   `yaml:"allow_actor_header"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockKey  string        `yaml:"lock_key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MaxStakeBps caps any stake requirement at half the bounty.
const MaxStakeBps = 5000

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with fp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.Currency == "" {
		return invalid("platform.currency is required")
	}
	if err := checkBps("platform.fee_bps", c.Platform.FeeBps); err != nil {
		return err
	}
	switch c.Escrow.Provider {
	case domain.ProviderLedger:
	case domain.ProviderChain:
		if c.Chain.RPCURL == "" {
			return invalid("chain.rpc_url is required when escrow.provider is chain")
		}
		if !isHexAddress(c.Chain.ContractAddress) {
			return invalid("chain.contract_address must be a 0x-prefixed 20 byte address")
		}
	default:
		return invalid("escrow.provider must be 'ledger' or 'chain', got %q", c.Escrow.Provider)
	}
	if err := checkBps("chain.fee_bps", c.Chain.FeeBps); err != nil {
		return err
	}
	if c.Chain.PollInterval <= 0 {
		return invalid("chain.poll_interval must be positive")
	}
	if c.Chain.MaxBlockRange == 0 {
		return invalid("chain.max_block_range must be positive")
	}
	if c.Chain.ConfirmTimeout <= 0 {
		return invalid("chain.confirm_timeout must be positive")
	}
	if c.Chain.RPCRatePerSecond <= 0 {
		return invalid("chain.rpc_rate_per_second must be positive")
	}

	s := c.Staking
	for name, v := range map[string]int64{
		"staking.base_bps":                    s.BaseBps,
		"staking.min_bps":                     s.MinBps,
		"staking.max_bps":                     s.MaxBps,
		"staking.strike_increment_bps":        s.StrikeIncrementBps,
		"staking.reputation_threshold_bps":    s.ReputationThresholdBps,
		"staking.reputation_discount_bps":     s.ReputationDiscountBps,
		"staking.default_requester_share_bps": s.DefaultRequesterShareBps,
	} {
		if err := checkBps(name, v); err != nil {
			return err
		}
	}
	if !(s.MinBps <= s.BaseBps && s.BaseBps <= s.MaxBps && s.MaxBps <= MaxStakeBps) {
		return invalid("staking requires min_bps <= base_bps <= max_bps <= %d", MaxStakeBps)
	}
	if s.ReleaseDelay < 0 {
		return invalid("staking.release_delay must not be negative")
	}
	if c.Claims.Duration <= 0 {
		return invalid("claims.duration must be positive")
	}
	if c.Disputes.Window <= 0 {
		return invalid("disputes.window must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return invalid("server.base_path must start with /")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return invalid("log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldproof.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Chain.OperatorKey != "" {
		c.Chain.OperatorKey = "***"
	}
	if c.Server.JWTSecret != "" {
		c.Server.JWTSecret = "***"
	}
	if c.Redis.Password != "" {
		c.Redis.Password = "***"
	}
	return c
}

func checkBps(name string, v int64) error {
	if v < 0 || v > 10000 {
		return invalid("%s must be within 0..10000, got %d", name, v)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, r := range s[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

const defaultTemplate = `platform:
  currency: USDC
  fee_bps: 500

escrow:
  provider: ledger

chain:
  chain_id: 1
  rpc_url: ""
  contract_address: ""
  fee_bps: 250
  poll_interval: 12s
  backfill_blocks: 1000
  max_block_range: 2000
  confirm_timeout: 2m
  rpc_rate_per_second: 5
  gas_limit: 200000

staking:
  base_bps: 1000
  min_bps: 500
  max_bps: 5000
  strike_increment_bps: 200
  reputation_threshold_bps: 8000
  reputation_discount_bps: 300
  release_delay: 24h
  default_requester_share_bps: 7000

claims:
  duration: 4h

disputes:
  window: 24h

server:
  addr: ":8080"
  base_path: /v0
  allow_actor_header: true

redis:
  addr: ""
  lock_key: fieldproof:indexer:lock
  lock_ttl: 30s

log:
  level: info
  format: text
`
