package cmd

import (
	"context"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/cmdutil"
	"github.com/dexlive/glucagon/internal/pushgateway"
	"github.com/dexlive/glucagon/internal/scheduler"
	"github.com/dexlive/glucagon/internal/statestore"
	"github.com/dexlive/glucagon/internal/upstream"
)

// components bundles everything serve and tick both need so the two
// commands don't duplicate wiring.
type components struct {
	logger  *zap.Logger
	store   *statestore.Store
	gateway *pushgateway.Gateway

	processor      *scheduler.Processor
	tickLoop       *scheduler.TickLoop
	widgetTicker   *scheduler.WidgetTicker
	widgetInterval time.Duration

	shutdown func()
}

func buildComponents(ctx context.Context, logger *zap.Logger) (*components, error) {
	statsdClient, err := cmdutil.NewStatsdClient()
	if err != nil {
		return nil, err
	}

	redisClient, err := cmdutil.NewRedisClient(ctx)
	if err != nil {
		return nil, err
	}

	gateway, err := cmdutil.NewPushGateway(logger)
	if err != nil {
		return nil, err
	}

	store := statestore.New(redisClient)

	rps := envFloat("UPSTREAM_RATE_LIMIT_RPS", 1)
	fetcher := upstream.NewClient(statsdClient, rps)

	processor := scheduler.NewProcessor(logger, statsdClient, store, fetcher, gateway)

	maxConcurrent := envInt("MAX_CONCURRENT_PROCESSORS", 64)
	tickLoop := scheduler.NewTickLoop(logger, store, processor, maxConcurrent)

	widgetTicker := scheduler.NewWidgetTicker(logger, store, gateway)
	widgetInterval := time.Duration(envInt("WIDGET_REFRESH_INTERVAL", 300)) * time.Second

	return &components{
		logger:         logger,
		store:          store,
		gateway:        gateway,
		processor:      processor,
		tickLoop:       tickLoop,
		widgetTicker:   widgetTicker,
		widgetInterval: widgetInterval,
		shutdown: func() {
			_ = statsdClient.Close()
			_ = redisClient.Close()
		},
	}, nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
