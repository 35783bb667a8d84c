package cmdutil

import (
	"context"
	"fmt"
	"os"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/pushgateway"
)

func NewLogger(debug bool) *zap.Logger {
	logger, _ := zap.NewProduction()
	if debug || os.Getenv("ENV") == "" {
		logger, _ = zap.NewDevelopment()
	}

	return logger
}

func NewStatsdClient(tags ...string) (*statsd.Client, error) {
	if env := os.Getenv("ENV"); env != "" {
		tags = append(tags, fmt.Sprintf("env:%s", env))
	}

	return statsd.New(os.Getenv("STATSD_URL"), statsd.WithTags(tags))
}

func NewRedisClient(ctx context.Context) (*redis.Client, error) {
	opt, err := redis.ParseURL(os.Getenv("REDIS_URL"))
	if err != nil {
		return nil, err
	}
	opt.PoolSize = 16

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

// NewPushGateway builds the APNs gateway from spec §6's environment
// variables. A missing credential runs the gateway disabled rather than
// failing startup.
func NewPushGateway(logger *zap.Logger) (*pushgateway.Gateway, error) {
	return pushgateway.New(
		logger,
		os.Getenv("PUSH_NOTIFICATION_PEM"),
		os.Getenv("PUSH_NOTIFICATION_ID"),
		os.Getenv("TEAM_IDENTIFIER"),
	)
}
