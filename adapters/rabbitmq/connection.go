package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborq/jobqueue/api"
	"github.com/harborq/jobqueue/internal/config"
	"github.com/harborq/jobqueue/internal/ctxutils"
	"github.com/harborq/jobqueue/internal/logging"
)

// dialFunc is overridable so tests can count invocations and inject
// failures without a live broker.
type dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

func defaultDial(url string, cfg amqp.Config) (*amqp.Connection, error) {
	return amqp.DialConfig(url, cfg)
}

// connectWithRetry attempts up to maxRetries+1 dials with retryDelay
// between attempts, with an injectable dial function so tests can
// count attempts or simulate failures without a live broker.
func connectWithRetry(ctx context.Context, dial dialFunc, params api.ConnectionParams, log logging.Logger) (*amqp.Connection, error) {
	attempts := params.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	url := config.AMQPURL(params)
	cfg := amqp.Config{
		Heartbeat: params.Heartbeat,
		Locale:    "en_US",
	}
	if params.FrameSize > 0 {
		cfg.FrameSize = params.FrameSize
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := dial(url, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug().Interface("service", ctxutils.NameOf(ctx)).Int("attempt", attempt).Err(err).Msg("could not connect, retrying")

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(params.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("jobqueue: dial rabbitmq after %d attempts: %w", attempts, lastErr)
}
