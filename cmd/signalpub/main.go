package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/sigbridge/internal/bridge"
	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/protocol/frame"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "signalpub: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("signalpub", flag.ContinueOnError)
	path := fs.String("config", "", "signalpub config path (optional)")
	transportName := fs.String("transport", "", "transport: aeron|redis|amqp|gossip|memory")
	mode := fs.String("mode", "", "publish mode: ipc|udp|both")
	streamID := fs.Int("stream", 0, "stream id")
	source := fs.String("source", "", "source tag")
	action := fs.Int("action", 0, "action code 1-9")
	stop := fs.Int("stop", -1, "stop ticks")
	offset := fs.Int("offset", -1, "profit target offset ticks for entry 2")
	qty := fs.Int("qty", 0, "quantity")
	conf := fs.Float64("confidence", -1, "confidence 0..1")
	symbol := fs.String("symbol", "", "symbol")
	instrument := fs.String("instrument", "", "instrument")
	count := fs.Int("count", 0, "number of frames to publish")
	interval := fs.Duration("interval", 0, "delay between frames")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logging.ConfigureRuntime()

	cfg := defaultPubConfig()
	if *path != "" {
		loaded, err := loadPubConfig(*path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport = *transportName
		case "mode":
			m, err := bridge.ParsePublishMode(*mode)
			if err != nil {
				flagErr = err
				return
			}
			cfg.Mode = m
		case "stream":
			cfg.StreamID = int32(*streamID)
		case "source":
			cfg.Source = *source
		case "action":
			cfg.Action = frame.Action(*action)
		case "stop":
			cfg.StopTicks = int32(*stop)
		case "offset":
			cfg.ProfitOffsetTicks = int32(*offset)
		case "qty":
			cfg.Quantity = int32(*qty)
		case "confidence":
			cfg.Confidence = float32(*conf)
		case "symbol":
			cfg.Symbol = *symbol
		case "instrument":
			cfg.Instrument = *instrument
		case "count":
			cfg.Count = *count
		case "interval":
			cfg.Interval = *interval
		}
	})
	if flagErr != nil {
		return flagErr
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	return publish(ctx, cfg)
}

func publish(ctx context.Context, cfg pubConfig) error {
	tc := cfg.transportConfig()
	driver, err := tc.Driver()
	if err != nil {
		return err
	}
	b := bridge.New(bridge.Options{Driver: driver, Client: tc.ClientConfig()})
	defer b.Close()

	if err := b.Publisher().Start(ctx, cfg.Timeout, cfg.targets()...); err != nil {
		return err
	}

	sig := cfg.signal()
	for i := 0; i < cfg.Count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.Interval):
			}
		}
		if err := b.Publisher().PublishSignal(sig); err != nil {
			logging.Warnf("signalpub.publish seq=%d action=%s err=%v", i, sig.Action, err)
			continue
		}
		logging.Infof("signalpub.publish seq=%d action=%s symbol=%s instrument=%q", i, sig.Action, sig.Symbol, sig.Instrument)
	}
	return nil
}
