package config

import (
	"fmt"
	"time"

	"github.com/danmuck/sigbridge/internal/bridge"
	"github.com/danmuck/sigbridge/internal/instrument"
	"github.com/danmuck/sigbridge/internal/protocol/session"
	"github.com/danmuck/sigbridge/internal/transport"
	"github.com/danmuck/sigbridge/internal/transport/aeron"
	"github.com/danmuck/sigbridge/internal/transport/amqp"
	"github.com/danmuck/sigbridge/internal/transport/gossip"
	"github.com/danmuck/sigbridge/internal/transport/memory"
	"github.com/danmuck/sigbridge/internal/transport/redis"
)

// Driver builds the transport adapter named by cfg.Transport.
func (cfg BridgeConfig) Driver() (transport.Driver, error) {
	switch cfg.Transport {
	case TransportAeron:
		return aeron.Driver{}, nil
	case TransportRedis:
		return &redis.Driver{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			TopicPrefix: cfg.Redis.TopicPrefix,
		}, nil
	case TransportAMQP:
		return &amqp.Driver{URL: cfg.AMQP.URL, ExchangePrefix: cfg.AMQP.ExchangePrefix}, nil
	case TransportGossip:
		return &gossip.Driver{
			ListenAddr:  cfg.Gossip.ListenAddr,
			Bootstrap:   cfg.Gossip.Bootstrap,
			TopicPrefix: cfg.Gossip.TopicPrefix,
			Buffer:      cfg.Gossip.Buffer,
		}, nil
	case TransportMemory:
		return memory.NewBus(memory.Options{}), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, cfg.Transport)
	}
}

func (cfg BridgeConfig) SessionConfig() session.Config {
	return session.Config{
		ConnectTimeout:     millis(cfg.Subscribe.TimeoutMS),
		FragmentLimit:      cfg.Session.FragmentLimit,
		MaxConnectAttempts: cfg.Session.MaxConnectAttempts,
		Backoff: session.BackoffConfig{
			InitialDelay: millis(cfg.Session.Backoff.InitialMS),
			Multiplier:   cfg.Session.Backoff.Multiplier,
			MaxDelay:     millis(cfg.Session.Backoff.MaxMS),
			Jitter:       cfg.Session.Backoff.Jitter,
		},
	}.WithDefaults()
}

func (cfg BridgeConfig) ClientConfig() transport.ClientConfig {
	return transport.ClientConfig{Dir: cfg.AeronDir, Timeout: session.TimeoutFromMillis(cfg.Subscribe.TimeoutMS)}
}

func (cfg BridgeConfig) Policy() instrument.Policy {
	return instrument.Policy{
		AllowPassThrough: cfg.Unmapped.Allow,
		DefaultTickSize:  cfg.Unmapped.DefaultTickSize,
		DefaultPointSize: cfg.Unmapped.DefaultPointSize,
	}
}

// InstrumentMap builds the instrument table. Configured entries replace the
// built-in defaults; an empty list keeps them.
func (cfg BridgeConfig) InstrumentMap() (*instrument.Map, error) {
	m := instrument.NewMap()
	for i, inst := range cfg.Instruments {
		if err := m.Register(inst.Prefix, inst.Symbol, inst.TickSize, inst.PointSize); err != nil {
			return nil, fmt.Errorf("instruments[%d]: %w", i, err)
		}
	}
	if err := m.SetPolicy(cfg.Policy()); err != nil {
		return nil, err
	}
	return m, nil
}

func (cfg BridgeConfig) StartConfig() bridge.StartConfig {
	return bridge.StartConfig{
		Dir:      cfg.AeronDir,
		Channel:  cfg.Subscribe.Channel,
		StreamID: cfg.Subscribe.StreamID,
		Timeout:  session.TimeoutFromMillis(cfg.Subscribe.TimeoutMS),
	}
}

func (cfg BridgeConfig) PublishTargets() []bridge.Target {
	mode, err := bridge.ParsePublishMode(cfg.Publish.Mode)
	if err != nil {
		return nil
	}
	return mode.Targets(cfg.Publish.IPCChannel, cfg.Publish.UDPChannel, cfg.Publish.StreamID)
}

func (cfg BridgeConfig) PublishTimeout() time.Duration {
	return session.TimeoutFromMillis(cfg.Publish.TimeoutMS)
}

func (cfg BridgeConfig) AutoPollInterval() time.Duration {
	return millis(cfg.AutoPollMS)
}

func (cfg BridgeConfig) BridgeOptions() (bridge.Options, error) {
	driver, err := cfg.Driver()
	if err != nil {
		return bridge.Options{}, err
	}
	instruments, err := cfg.InstrumentMap()
	if err != nil {
		return bridge.Options{}, err
	}
	return bridge.Options{
		Driver:        driver,
		Client:        cfg.ClientConfig(),
		Session:       cfg.SessionConfig(),
		QueueCapacity: cfg.QueueCapacity,
		Instruments:   instruments,
	}, nil
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
