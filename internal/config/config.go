package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
		// PublicURL is where wallet callbacks reach this service.
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Exchange struct {
		BaseURL           string  `yaml:"base_url"`
		Secret            string  `yaml:"secret"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		TimeoutSeconds    int     `yaml:"timeout_seconds"`
		BankCacheMinutes  int     `yaml:"bank_cache_minutes"`
	} `yaml:"exchange"`
	Chain struct {
		RPCEndpoints      []string          `yaml:"rpc_endpoints"`
		FailoverThreshold int               `yaml:"failover_threshold"`
		Tokens            map[string]string `yaml:"tokens"`
		SinkAddress       string            `yaml:"sink_address"`
	} `yaml:"chain"`
	Wallet struct {
		XPub string `yaml:"xpub"`
	} `yaml:"wallet"`
	Handshake struct {
		Store          string `yaml:"store"`
		SQLitePath     string `yaml:"sqlite_path"`
		KeyPrefix      string `yaml:"key_prefix"`
		DappName       string `yaml:"dapp_name"`
		DeepLinkBase   string `yaml:"deep_link_base"`
		PollIntervalMS int    `yaml:"poll_interval_ms"`
		TimeoutMinutes int    `yaml:"timeout_minutes"`
		SlotTTLMinutes int    `yaml:"slot_ttl_minutes"`
	} `yaml:"handshake"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Orders struct {
		Minimums           map[string]string `yaml:"minimums"`
		DefaultMinimum     string            `yaml:"default_minimum"`
		FeePercent         string            `yaml:"fee_percent"`
		CallTimeoutSeconds int               `yaml:"call_timeout_seconds"`
	} `yaml:"orders"`
	Debounce struct {
		SendAmountMS        int `yaml:"send_amount_ms"`
		ReceiveAmountMS     int `yaml:"receive_amount_ms"`
		SelectionMS         int `yaml:"selection_ms"`
		AccountNameMS       int `yaml:"account_name_ms"`
		BankAccountNumberMS int `yaml:"bank_account_number_ms"`
		EmailMS             int `yaml:"email_ms"`
		WalletPromptMS      int `yaml:"wallet_prompt_ms"`
	} `yaml:"debounce"`
	Sessions struct {
		IdleMinutes          int `yaml:"idle_minutes"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"sessions"`
}

// Handshake slot backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Exchange.BaseURL == "" || c.Exchange.Secret == "" {
		return errors.New("exchange.base_url and exchange.secret are required")
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		return errors.New("chain.rpc_endpoints is required")
	}
	switch c.Handshake.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres handshake store")
		}
	default:
		return fmt.Errorf("handshake.store %q is not one of memory, sqlite, postgres", c.Handshake.Store)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Exchange.RequestsPerSecond <= 0 {
		cfg.Exchange.RequestsPerSecond = 5
	}
	if cfg.Exchange.Burst <= 0 {
		cfg.Exchange.Burst = 10
	}
	if cfg.Exchange.TimeoutSeconds <= 0 {
		cfg.Exchange.TimeoutSeconds = 20
	}
	if cfg.Exchange.BankCacheMinutes <= 0 {
		cfg.Exchange.BankCacheMinutes = 60
	}
	if cfg.Chain.FailoverThreshold <= 0 {
		cfg.Chain.FailoverThreshold = 3
	}
	if cfg.Handshake.Store == "" {
		cfg.Handshake.Store = StoreMemory
	}
	if cfg.Handshake.SQLitePath == "" {
		cfg.Handshake.SQLitePath = "data/handshake.db"
	}
	if cfg.Handshake.PollIntervalMS <= 0 {
		cfg.Handshake.PollIntervalMS = 100
	}
	if cfg.Handshake.TimeoutMinutes <= 0 {
		cfg.Handshake.TimeoutMinutes = 10
	}
	if cfg.Handshake.SlotTTLMinutes <= 0 {
		cfg.Handshake.SlotTTLMinutes = 60
	}
	if cfg.Orders.DefaultMinimum == "" {
		cfg.Orders.DefaultMinimum = "10"
	}
	if cfg.Orders.Minimums == nil {
		cfg.Orders.Minimums = map[string]string{"celo": "5"}
	}
	if cfg.Orders.FeePercent == "" {
		cfg.Orders.FeePercent = "0"
	}
	if cfg.Orders.CallTimeoutSeconds <= 0 {
		cfg.Orders.CallTimeoutSeconds = 20
	}
	d := &cfg.Debounce
	defaultInt(&d.SendAmountMS, 1500)
	defaultInt(&d.ReceiveAmountMS, 2000)
	defaultInt(&d.SelectionMS, 500)
	defaultInt(&d.AccountNameMS, 1500)
	defaultInt(&d.BankAccountNumberMS, 1500)
	defaultInt(&d.EmailMS, 500)
	defaultInt(&d.WalletPromptMS, 4000)
	if cfg.Sessions.IdleMinutes <= 0 {
		cfg.Sessions.IdleMinutes = 30
	}
	if cfg.Sessions.SweepIntervalSeconds <= 0 {
		cfg.Sessions.SweepIntervalSeconds = 1
	}
}

func defaultInt(v *int, fallback int) {
	if *v <= 0 {
		*v = fallback
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("EXCHANGE_BASE_URL"); v != "" {
		cfg.Exchange.BaseURL = v
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		cfg.Exchange.Secret = v
	}
	if v := os.Getenv("EXCHANGE_RPS"); v != "" {
		cfg.Exchange.RequestsPerSecond = atofOr(cfg.Exchange.RequestsPerSecond, v)
	}
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("RPC_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.FailoverThreshold = atoiOr(cfg.Chain.FailoverThreshold, v)
	}
	if v := os.Getenv("SINK_ADDRESS"); v != "" {
		cfg.Chain.SinkAddress = v
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Wallet.XPub = v
	}
	if v := os.Getenv("HANDSHAKE_STORE"); v != "" {
		cfg.Handshake.Store = strings.ToLower(v)
	}
	if v := os.Getenv("HANDSHAKE_SQLITE_PATH"); v != "" {
		cfg.Handshake.SQLitePath = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("ORDER_FEE_PERCENT"); v != "" {
		cfg.Orders.FeePercent = v
	}
	if v := os.Getenv("SESSION_IDLE_MINUTES"); v != "" {
		cfg.Sessions.IdleMinutes = atoiOr(cfg.Sessions.IdleMinutes, v)
	}
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Orders.CallTimeoutSeconds) * time.Second
}

func (c *Config) SigningTimeout() time.Duration {
	return time.Duration(c.Handshake.TimeoutMinutes) * time.Minute
}

func (c *Config) SlotTTL() time.Duration {
	return time.Duration(c.Handshake.SlotTTLMinutes) * time.Minute
}

// CallbackURL is the page wallet responses are sent back to.
func (c *Config) CallbackURL() string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + "/handshake/callback"
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atofOr(fallback float64, v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
