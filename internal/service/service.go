// Package service runs a bridge as a standalone process: host API, supervised
// subscribe and publish startup, and an optional auto-poll loop.
package service

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/sigbridge/internal/auth"
	"github.com/danmuck/sigbridge/internal/bridge"
	"github.com/danmuck/sigbridge/internal/config"
	"github.com/danmuck/sigbridge/internal/hostapi"
	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/protocol/session"
)

// Service owns one Bridge and its host API.
type Service struct {
	cfg    config.BridgeConfig
	bridge *bridge.Bridge
	api    *hostapi.Server
	jitter session.Jitter
}

func NewService(cfg config.BridgeConfig) (*Service, error) {
	opts, err := cfg.BridgeOptions()
	if err != nil {
		return nil, err
	}
	return newService(cfg, opts), nil
}

func newService(cfg config.BridgeConfig, opts bridge.Options) *Service {
	b := bridge.New(opts)
	api := hostapi.Appear(b, cfg.Addr, cfg.CorsOrigins)
	if cfg.AuthToken != "" {
		api.Auth = auth.StaticToken{Token: cfg.AuthToken}
	}
	return &Service{
		cfg:    cfg,
		bridge: b,
		api:    api,
		jitter: session.NewLockedRand(time.Now().UnixNano()),
	}
}

func (s *Service) Bridge() *bridge.Bridge {
	return s.bridge
}

// Run blocks until SIGINT/SIGTERM or a fatal serve error.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve starts every configured component and tears the bridge down when ctx
// ends or any component fails.
func (s *Service) Serve(ctx context.Context) error {
	logging.Infof("service.Serve name=%s bridge=%s transport=%s addr=%s", s.cfg.Name, s.bridge.ID(), s.cfg.Transport, s.cfg.Addr)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.api.Serve(gctx)
	})
	if s.cfg.Subscribe.Enabled {
		g.Go(func() error {
			return s.startSubscriber(gctx)
		})
	}
	if targets := s.cfg.PublishTargets(); len(targets) > 0 {
		g.Go(func() error {
			return s.startPublisher(gctx, targets)
		})
	}
	if interval := s.cfg.AutoPollInterval(); interval > 0 {
		g.Go(func() error {
			return s.pollLoop(gctx, interval)
		})
	}

	err := g.Wait()
	if cerr := s.bridge.Close(); cerr != nil {
		logging.Warnf("service.Serve close err=%v", cerr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) startSubscriber(ctx context.Context) error {
	start := s.cfg.StartConfig()
	return s.retry(ctx, "subscribe", func(ctx context.Context) error {
		return s.bridge.Subscriber().Start(ctx, start)
	})
}

func (s *Service) startPublisher(ctx context.Context, targets []bridge.Target) error {
	timeout := s.cfg.PublishTimeout()
	return s.retry(ctx, "publish", func(ctx context.Context) error {
		return s.bridge.Publisher().Start(ctx, timeout, targets...)
	})
}

// retry runs fn up to MaxConnectAttempts times with backoff. Exhausting the
// attempts is not fatal: the failure stays in the error slot and the host can
// start the session over the API.
func (s *Service) retry(ctx context.Context, name string, fn func(context.Context) error) error {
	cfg := s.cfg.SessionConfig()
	attempts := max(cfg.MaxConnectAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if attempt >= attempts {
			logging.Warnf("service.retry %s gave up attempts=%d err=%v", name, attempt, err)
			return nil
		}
		delay := session.NextBackoffDelay(cfg.Backoff, attempt, s.jitter)
		logging.Warnf("service.retry %s attempt=%d delay=%s err=%v", name, attempt, delay, err)
		if err := waitDelay(ctx, delay); err != nil {
			return nil
		}
	}
}

// pollLoop drains the subscription on a fixed interval for hosts that only
// consume the queue.
func (s *Service) pollLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sub := s.bridge.Subscriber()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sub.Poll()
		}
	}
}

func waitDelay(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
