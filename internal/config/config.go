package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/sigbridge/internal/bridge"
	"github.com/danmuck/sigbridge/internal/transport"
)

// Transport names accepted by the transport key.
const (
	TransportAeron  = "aeron"
	TransportRedis  = "redis"
	TransportAMQP   = "amqp"
	TransportGossip = "gossip"
	TransportMemory = "memory"
)

// Environment overrides, applied after the file.
const (
	EnvAddr      = "SIGBRIDGE_ADDR"
	EnvTransport = "SIGBRIDGE_TRANSPORT"
	EnvAeronDir  = "SIGBRIDGE_AERON_DIR"
	EnvRedisAddr = "SIGBRIDGE_REDIS_ADDR"
	EnvAMQPURL   = "SIGBRIDGE_AMQP_URL"
	EnvAutoPoll  = "SIGBRIDGE_AUTO_POLL_MS"
	EnvAuthToken = "SIGBRIDGE_AUTH_TOKEN"
)

var ErrInvalidConfig = errors.New("config: invalid bridge config")

type BridgeConfig struct {
	Name          string             `toml:"name"`
	Addr          string             `toml:"addr"`
	CorsOrigins   []string           `toml:"cors_origins"`
	AuthToken     string             `toml:"auth_token"`
	Transport     string             `toml:"transport"`
	AeronDir      string             `toml:"aeron_dir"`
	AutoPollMS    int                `toml:"auto_poll_ms"`
	QueueCapacity int                `toml:"queue_capacity"`
	Subscribe     SubscribeConfig    `toml:"subscribe"`
	Publish       PublishConfig      `toml:"publish"`
	Session       SessionConfig      `toml:"session"`
	Unmapped      UnmappedConfig     `toml:"unmapped"`
	Instruments   []InstrumentConfig `toml:"instruments"`
	Redis         RedisConfig        `toml:"redis"`
	AMQP          AMQPConfig         `toml:"amqp"`
	Gossip        GossipConfig       `toml:"gossip"`
}

type SubscribeConfig struct {
	Enabled   bool   `toml:"enabled"`
	Channel   string `toml:"channel"`
	StreamID  int32  `toml:"stream_id"`
	TimeoutMS int    `toml:"timeout_ms"`
}

type PublishConfig struct {
	Mode       string `toml:"mode"`
	IPCChannel string `toml:"ipc_channel"`
	UDPChannel string `toml:"udp_channel"`
	StreamID   int32  `toml:"stream_id"`
	TimeoutMS  int    `toml:"timeout_ms"`
}

type SessionConfig struct {
	FragmentLimit      int           `toml:"fragment_limit"`
	MaxConnectAttempts int           `toml:"max_connect_attempts"`
	Backoff            BackoffConfig `toml:"backoff"`
}

type BackoffConfig struct {
	InitialMS  int     `toml:"initial_ms"`
	Multiplier float64 `toml:"multiplier"`
	MaxMS      int     `toml:"max_ms"`
	Jitter     bool    `toml:"jitter"`
}

type UnmappedConfig struct {
	Allow            bool    `toml:"allow"`
	DefaultTickSize  float64 `toml:"default_tick_size"`
	DefaultPointSize float64 `toml:"default_point_size"`
}

type InstrumentConfig struct {
	Prefix    string  `toml:"prefix"`
	Symbol    string  `toml:"symbol"`
	TickSize  float64 `toml:"tick_size"`
	PointSize float64 `toml:"point_size"`
}

type RedisConfig struct {
	Addr        string `toml:"addr"`
	Password    string `toml:"password"`
	DB          int    `toml:"db"`
	TopicPrefix string `toml:"topic_prefix"`
}

type AMQPConfig struct {
	URL            string `toml:"url"`
	ExchangePrefix string `toml:"exchange_prefix"`
}

type GossipConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	Bootstrap   []string `toml:"bootstrap"`
	TopicPrefix string   `toml:"topic_prefix"`
	Buffer      int      `toml:"buffer"`
}

// LoadBridgeConfig reads path, applies defaults and environment overrides,
// and validates the result.
func LoadBridgeConfig(path string) (BridgeConfig, error) {
	var cfg BridgeConfig
	if err := loadToml(path, &cfg); err != nil {
		return BridgeConfig{}, err
	}
	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return BridgeConfig{}, err
	}
	if err := ValidateBridgeConfig(cfg); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads envPath (or ./.env when empty) into the process
// environment. A missing file is not an error.
func LoadDotEnv(envPath string) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
		return
	}
	_ = godotenv.Load()
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *BridgeConfig) {
	if cfg.Name == "" {
		cfg.Name = "sigbridge"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9400"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportAeron
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Publish.Mode == "" {
		cfg.Publish.Mode = string(bridge.ModeNone)
	}
	if cfg.Publish.IPCChannel == "" {
		cfg.Publish.IPCChannel = "aeron:ipc"
	}
	if cfg.Publish.StreamID == 0 {
		cfg.Publish.StreamID = cfg.Subscribe.StreamID
	}
}

func applyEnvOverrides(cfg *BridgeConfig) error {
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv(EnvTransport); v != "" {
		cfg.Transport = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv(EnvAeronDir); v != "" {
		cfg.AeronDir = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(EnvAMQPURL); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv(EnvAutoPoll); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvAutoPoll, v, err)
		}
		cfg.AutoPollMS = ms
	}
	return nil
}

func ValidateBridgeConfig(cfg BridgeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("%w: missing addr", ErrInvalidConfig)
	}
	switch cfg.Transport {
	case TransportAeron, TransportMemory:
	case TransportRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("%w: redis transport requires redis.addr", ErrInvalidConfig)
		}
	case TransportAMQP:
		if cfg.AMQP.URL == "" {
			return fmt.Errorf("%w: amqp transport requires amqp.url", ErrInvalidConfig)
		}
	case TransportGossip:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, cfg.Transport)
	}
	if cfg.AutoPollMS < 0 {
		return fmt.Errorf("%w: auto_poll_ms must be >= 0", ErrInvalidConfig)
	}
	if cfg.QueueCapacity < 0 {
		return fmt.Errorf("%w: queue_capacity must be >= 0", ErrInvalidConfig)
	}
	if cfg.Subscribe.Enabled {
		if err := validateTarget("subscribe", cfg.Subscribe.Channel, cfg.Subscribe.StreamID); err != nil {
			return err
		}
	}
	mode, err := bridge.ParsePublishMode(cfg.Publish.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, t := range mode.Targets(cfg.Publish.IPCChannel, cfg.Publish.UDPChannel, cfg.Publish.StreamID) {
		if err := validateTarget("publish."+t.Name, t.Channel, t.StreamID); err != nil {
			return err
		}
	}
	if cfg.Unmapped.Allow && (cfg.Unmapped.DefaultTickSize <= 0 || cfg.Unmapped.DefaultPointSize <= 0) {
		return fmt.Errorf("%w: unmapped.allow requires positive default sizes", ErrInvalidConfig)
	}
	for i, inst := range cfg.Instruments {
		if err := ValidateInstrumentEntry(inst); err != nil {
			return fmt.Errorf("instruments[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func validateTarget(section, channel string, streamID int32) error {
	if !transport.ValidChannel(channel) {
		return fmt.Errorf("%w: %s channel %q must start with %s", ErrInvalidConfig, section, channel, transport.ChannelScheme)
	}
	if streamID <= 0 {
		return fmt.Errorf("%w: %s stream_id must be > 0", ErrInvalidConfig, section)
	}
	return nil
}

func ValidateInstrumentEntry(cfg InstrumentConfig) error {
	if strings.TrimSpace(cfg.Prefix) == "" {
		return fmt.Errorf("prefix is required")
	}
	if strings.TrimSpace(cfg.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if cfg.TickSize <= 0 || cfg.PointSize <= 0 {
		return fmt.Errorf("tick_size and point_size must be > 0")
	}
	return nil
}
