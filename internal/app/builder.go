package app

import (
	"context"
	"fmt"
	"time"

	"klinefeed/internal/cache"
	"klinefeed/internal/config"
	"klinefeed/internal/feed"
	"klinefeed/internal/fetch"
	"klinefeed/internal/gate"
	binancegw "klinefeed/internal/gateway/binance"
	"klinefeed/internal/logger"
	"klinefeed/internal/market"
	"klinefeed/internal/stream"
	"klinefeed/internal/transport/http/feedhttp"
)

type AppBuilder struct {
	cfg *config.Config

	sourceFn func(config.MarketSource) (market.Source, error)
	httpFn   func(feedhttp.ServerConfig) (*feedhttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

// WithSource overrides the exchange source, used by tests and replay
// harnesses.
func WithSource(src market.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		b.sourceFn = func(config.MarketSource) (market.Source, error) { return src, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:      cfg,
		sourceFn: buildBinanceSource,
		httpFn:   feedhttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	active := cfg.Market.ResolveActiveSource()
	src, err := b.sourceFn(active)
	if err != nil {
		return nil, fmt.Errorf("building market source failed: %w", err)
	}
	logger.Infof("market source: %s (%s)", active.Name, active.RESTBaseURL)

	g := gate.New(gate.Config{
		Capacity:           cfg.Gate.Capacity,
		SafetyMargin:       cfg.Gate.SafetyMargin,
		Window:             cfg.Gate.Window(),
		SafetyPad:          time.Duration(cfg.Gate.SafetyPadSeconds) * time.Second,
		MinSpacing:         time.Duration(cfg.Gate.MinSpacingMs) * time.Millisecond,
		EmergencyThreshold: cfg.Gate.EmergencyThreshold,
		EmergencyCooldown:  cfg.Gate.EmergencyCooldown(),
		BanBase:            time.Duration(cfg.Gate.BanBaseSeconds) * time.Second,
		BanMax:             time.Duration(cfg.Gate.BanMaxSeconds) * time.Second,
	})

	store, err := cache.New(cache.Config{
		Dir:             cfg.Cache.Dir,
		UsefulMaxAge:    time.Duration(cfg.Cache.UsefulMaxAgeDays) * 24 * time.Hour,
		UsefulMinPoints: cfg.Cache.UsefulMinPoints,
	})
	if err != nil {
		return nil, fmt.Errorf("opening cache failed: %w", err)
	}

	fetcher := fetch.New(src, g, fetch.Config{
		MaxRetries:        cfg.Fetch.MaxRetries,
		ServerRetryDelay:  time.Duration(cfg.Fetch.ServerRetrySeconds) * time.Second,
		ConnRetryDelay:    time.Duration(cfg.Fetch.ConnRetrySeconds) * time.Second,
		UnknownRetryDelay: time.Duration(cfg.Fetch.UnknownRetrySeconds) * time.Second,
		PageLimit:         cfg.Fetch.PageLimit,
	})

	hub := stream.NewHub(src, cfg.Stream.Buffer)

	engine := feed.NewEngine(fetcher, store, hub, feed.Config{
		DefaultBrickSize:  cfg.Watch.BrickSize,
		StreamWaitTimeout: time.Duration(cfg.Stream.WaitTimeoutSeconds) * time.Second,
		BatchSize:         cfg.Batch.BatchSize,
		InterBatchDelay:   time.Duration(cfg.Batch.InterBatchDelayMs) * time.Millisecond,
		MaxWorkers:        int64(cfg.Batch.MaxWorkers),
	})

	httpSrv, err := b.httpFn(feedhttp.ServerConfig{
		Addr:   cfg.App.HTTPAddr,
		Engine: engine,
		Gate:   g,
		Cache:  store,
		Hub:    hub,
	})
	if err != nil {
		return nil, fmt.Errorf("building http server failed: %w", err)
	}

	return &App{
		cfg:    cfg,
		source: src,
		gate:   g,
		store:  store,
		engine: engine,
		hub:    hub,
		http:   httpSrv,
	}, nil
}

func provideAppBuilder(cfg *config.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}

func provideAppFromBuilder(ctx context.Context, b *AppBuilder) (*App, error) {
	return b.Build(ctx)
}

func buildBinanceSource(src config.MarketSource) (market.Source, error) {
	out, err := binancegw.New(binancegw.Config{
		RESTBaseURL:  src.RESTBaseURL,
		HTTPTimeout:  time.Duration(src.TimeoutSeconds) * time.Second,
		ProxyEnabled: src.Proxy.Enabled,
		RESTProxyURL: src.Proxy.RESTURL,
		WSProxyURL:   src.Proxy.WSURL,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
