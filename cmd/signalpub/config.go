package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/sigbridge/internal/bridge"
	"github.com/danmuck/sigbridge/internal/config"
	"github.com/danmuck/sigbridge/internal/protocol/frame"
	"github.com/danmuck/sigbridge/internal/transport"
)

type fileConfig struct {
	Transport         string              `toml:"transport"`
	AeronDir          string              `toml:"aeron_dir"`
	Mode              string              `toml:"mode"`
	IPCChannel        string              `toml:"ipc_channel"`
	UDPChannel        string              `toml:"udp_channel"`
	StreamID          int32               `toml:"stream_id"`
	TimeoutMS         int                 `toml:"timeout_ms"`
	Source            string              `toml:"source"`
	Symbol            string              `toml:"symbol"`
	Instrument        string              `toml:"instrument"`
	Action            uint16              `toml:"action"`
	Quantity          int32               `toml:"quantity"`
	StopTicks         int32               `toml:"stop_ticks"`
	ProfitOffsetTicks int32               `toml:"profit_offset_ticks"`
	Confidence        float32             `toml:"confidence"`
	Count             int                 `toml:"count"`
	IntervalMS        int                 `toml:"interval_ms"`
	Redis             config.RedisConfig  `toml:"redis"`
	AMQP              config.AMQPConfig   `toml:"amqp"`
	Gossip            config.GossipConfig `toml:"gossip"`
}

// pubConfig is the resolved publisher run.
type pubConfig struct {
	Transport         string
	AeronDir          string
	Mode              bridge.PublishMode
	IPCChannel        string
	UDPChannel        string
	StreamID          int32
	Timeout           time.Duration
	Source            string
	Symbol            string
	Instrument        string
	Action            frame.Action
	Quantity          int32
	StopTicks         int32
	ProfitOffsetTicks int32
	Confidence        float32
	Count             int
	Interval          time.Duration
	Redis             config.RedisConfig
	AMQP              config.AMQPConfig
	Gossip            config.GossipConfig
}

func defaultPubConfig() pubConfig {
	return pubConfig{
		Transport:         config.TransportAeron,
		Mode:              bridge.ModeIPC,
		IPCChannel:        "aeron:ipc",
		UDPChannel:        "aeron:udp?endpoint=127.0.0.1:40123",
		StreamID:          1002,
		Timeout:           3 * time.Second,
		Source:            "AtomSetupV2Aeron",
		Symbol:            "ES",
		Instrument:        "ES MAR26",
		Action:            frame.ActionLongEntry1,
		Quantity:          1,
		StopTicks:         8,
		ProfitOffsetTicks: 8,
		Confidence:        0.75,
		Count:             1,
		Interval:          time.Second,
	}
}

func loadPubConfig(path string) (pubConfig, error) {
	cfg := defaultPubConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return pubConfig{}, fmt.Errorf("load signalpub config: %w", err)
	}

	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("aeron_dir") {
		cfg.AeronDir = strings.TrimSpace(raw.AeronDir)
	}
	if meta.IsDefined("mode") {
		mode, err := bridge.ParsePublishMode(raw.Mode)
		if err != nil {
			return pubConfig{}, err
		}
		cfg.Mode = mode
	}
	if meta.IsDefined("ipc_channel") {
		cfg.IPCChannel = strings.TrimSpace(raw.IPCChannel)
	}
	if meta.IsDefined("udp_channel") {
		cfg.UDPChannel = strings.TrimSpace(raw.UDPChannel)
	}
	if meta.IsDefined("stream_id") {
		cfg.StreamID = raw.StreamID
	}
	if meta.IsDefined("timeout_ms") {
		cfg.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("source") {
		cfg.Source = raw.Source
	}
	if meta.IsDefined("symbol") {
		cfg.Symbol = raw.Symbol
	}
	if meta.IsDefined("instrument") {
		cfg.Instrument = raw.Instrument
	}
	if meta.IsDefined("action") {
		cfg.Action = frame.Action(raw.Action)
	}
	if meta.IsDefined("quantity") {
		cfg.Quantity = raw.Quantity
	}
	if meta.IsDefined("stop_ticks") {
		cfg.StopTicks = raw.StopTicks
	}
	if meta.IsDefined("profit_offset_ticks") {
		cfg.ProfitOffsetTicks = raw.ProfitOffsetTicks
	}
	if meta.IsDefined("confidence") {
		cfg.Confidence = raw.Confidence
	}
	if meta.IsDefined("count") {
		cfg.Count = raw.Count
	}
	if meta.IsDefined("interval_ms") {
		cfg.Interval = time.Duration(raw.IntervalMS) * time.Millisecond
	}
	if meta.IsDefined("redis") {
		cfg.Redis = raw.Redis
	}
	if meta.IsDefined("amqp") {
		cfg.AMQP = raw.AMQP
	}
	if meta.IsDefined("gossip") {
		cfg.Gossip = raw.Gossip
	}
	return cfg, nil
}

func (c pubConfig) validate() error {
	if c.Mode == bridge.ModeNone {
		return fmt.Errorf("mode none publishes nothing")
	}
	for _, t := range c.targets() {
		if !transport.ValidChannel(t.Channel) {
			return fmt.Errorf("%s channel %q must start with %s", t.Name, t.Channel, transport.ChannelScheme)
		}
	}
	if c.StreamID <= 0 {
		return fmt.Errorf("stream_id must be > 0")
	}
	if c.Count <= 0 {
		return fmt.Errorf("count must be > 0")
	}
	if c.Action == 0 || c.Action > frame.ActionProfitTarget {
		return fmt.Errorf("unknown action %d", c.Action)
	}
	return nil
}

func (c pubConfig) targets() []bridge.Target {
	return c.Mode.Targets(c.IPCChannel, c.UDPChannel, c.StreamID)
}

// transportConfig reuses the bridge driver builder for the publisher side.
func (c pubConfig) transportConfig() config.BridgeConfig {
	return config.BridgeConfig{
		Transport: c.Transport,
		AeronDir:  c.AeronDir,
		Redis:     c.Redis,
		AMQP:      c.AMQP,
		Gossip:    c.Gossip,
	}
}

// signal builds the frame payload, filling risk fields per entry action.
func (c pubConfig) signal() frame.Signal {
	longStop, shortStop, target := bridge.EntryRisk(c.Action, c.StopTicks, c.ProfitOffsetTicks)
	return frame.Signal{
		Action:            c.Action,
		LongStopTicks:     longStop,
		ShortStopTicks:    shortStop,
		ProfitTargetTicks: target,
		Quantity:          c.Quantity,
		Confidence:        c.Confidence,
		Symbol:            c.Symbol,
		Instrument:        c.Instrument,
		Source:            c.Source,
	}
}
