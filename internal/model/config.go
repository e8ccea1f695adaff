package model

import "time"

// Config is the complete runtime configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Guard     GuardConfig     `yaml:"guard" mapstructure:"guard"`
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Tools     ToolsConfig     `yaml:"tools" mapstructure:"tools"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig controls the HTTP API
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// PipelineConfig bounds a single run
type PipelineConfig struct {
	RunTimeout time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
}

// GuardConfig selects the in-flight set backend
type GuardConfig struct {
	Backend       string        `yaml:"backend" mapstructure:"backend"` // memory, redis
	RedisAddr     string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string        `yaml:"redis_password,omitempty" mapstructure:"redis_password"`
	RedisDB       int           `yaml:"redis_db" mapstructure:"redis_db"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// LedgerConfig configures the ledger backend and the commit protocol bounds
type LedgerConfig struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"` // evm, sqlite
	RPCURL          string        `yaml:"rpc_url" mapstructure:"rpc_url"`
	ContractAddress string        `yaml:"contract_address" mapstructure:"contract_address"`
	PrivateKey      string        `yaml:"private_key,omitempty" mapstructure:"private_key"`
	ChainID         int64         `yaml:"chain_id" mapstructure:"chain_id"`
	GasPriceGwei    int64         `yaml:"gas_price_gwei" mapstructure:"gas_price_gwei"`
	SubmitGas       uint64        `yaml:"submit_gas" mapstructure:"submit_gas"`
	UpdateGas       uint64        `yaml:"update_gas" mapstructure:"update_gas"`
	SQLitePath      string        `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	SQLiteAccount   string        `yaml:"sqlite_account" mapstructure:"sqlite_account"`
	SlotAttempts    int           `yaml:"slot_attempts" mapstructure:"slot_attempts"`
	StatusPolls     int           `yaml:"status_polls" mapstructure:"status_polls"`
	StatusInterval  time.Duration `yaml:"status_interval" mapstructure:"status_interval"`
	ReceiptTimeout  time.Duration `yaml:"receipt_timeout" mapstructure:"receipt_timeout"`
	ReceiptInterval time.Duration `yaml:"receipt_interval" mapstructure:"receipt_interval"`
	CommitTimeout   time.Duration `yaml:"commit_timeout" mapstructure:"commit_timeout"`
}

// LLMConfig configures the model used by the damage and fraud stages
type LLMConfig struct {
	Provider  string `yaml:"provider" mapstructure:"provider"` // openai, ollama, "" (disabled)
	Model     string `yaml:"model" mapstructure:"model"`
	APIKey    string `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout   int    `yaml:"timeout" mapstructure:"timeout"` // seconds
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ToolsConfig configures the external lookups used by the fraud stage
type ToolsConfig struct {
	TavilyAPIKey  string  `yaml:"tavily_api_key,omitempty" mapstructure:"tavily_api_key"`
	TavilyURL     string  `yaml:"tavily_url" mapstructure:"tavily_url"`
	GeocodeURL    string  `yaml:"geocode_url" mapstructure:"geocode_url"`
	WeatherURL    string  `yaml:"weather_url" mapstructure:"weather_url"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	RespectRobots bool    `yaml:"respect_robots" mapstructure:"respect_robots"`
}

// HTTPConfig configures outbound fetches of evidence
type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	HTTPProxy    string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy   string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
}

// CacheConfig configures the lookup cache
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// TelemetryConfig configures logging and tracing
type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat    string `yaml:"log_format" mapstructure:"log_format"` // json, console
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Pipeline: PipelineConfig{
			RunTimeout: 5 * time.Minute,
		},
		Guard: GuardConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			TTL:       10 * time.Minute,
		},
		Ledger: LedgerConfig{
			Driver:          "sqlite",
			ChainID:         80002,
			GasPriceGwei:    30,
			SubmitGas:       500_000,
			UpdateGas:       1_500_000,
			SQLitePath:      "claimledger.db",
			SQLiteAccount:   "0x00000000000000000000000000000000c1a1e000",
			SlotAttempts:    5,
			StatusPolls:     10,
			StatusInterval:  3 * time.Second,
			ReceiptTimeout:  120 * time.Second,
			ReceiptInterval: 2 * time.Second,
			CommitTimeout:   4 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:  "",
			Model:     "gpt-4o-mini",
			Timeout:   30,
			MaxTokens: 500,
		},
		Tools: ToolsConfig{
			TavilyURL:     "https://api.tavily.com/search",
			GeocodeURL:    "https://geocoding-api.open-meteo.com/v1/search",
			WeatherURL:    "https://archive-api.open-meteo.com/v1/archive",
			RatePerSecond: 2,
			Burst:         4,
			RespectRobots: true,
		},
		HTTP: HTTPConfig{
			Timeout:      15 * time.Second,
			UserAgent:    "claimledger/0.1 (+https://github.com/ppiankov/claimledger)",
			MaxBodyBytes: 10_000_000,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       ".claimledger-cache",
			MemoryTTL: 30 * time.Minute,
			DiskTTL:   24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "claimledger",
		},
	}
}
