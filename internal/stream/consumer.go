// Package stream consumes usage payloads from a Redis Stream and feeds them
// through the same ingestion pipeline as the webhook path. Messages carry a
// JSON payload under the "payload" field. Malformed or invalid messages are
// acknowledged and logged rather than retried: redelivery cannot fix them.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/costops/internal/ingest"
	"github.com/vnmchuo/costops/internal/usage"
)

// StreamClient is the slice of the Redis API the consumer uses.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// reclaimInterval paces the pending-entry sweeps between normal reads.
const reclaimInterval = 15 * time.Second

type Consumer struct {
	client   StreamClient
	service  *ingest.Service
	stream   string
	group    string
	consumer string
}

func NewConsumer(client StreamClient, service *ingest.Service, stream, group, consumer string) *Consumer {
	return &Consumer{
		client:   client,
		service:  service,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

// Run reads until ctx is cancelled, backing off exponentially while the
// stream is unreachable. Always returns ctx.Err() on shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx)

	if err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err(); err != nil && !isBusyGroup(err) {
		return err
	}

	log.Info().
		Str("stream", c.stream).
		Str("group", c.group).
		Str("consumer", c.consumer).
		Msg("stream consumer started")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second

	nextReclaim := time.Now().Add(reclaimInterval)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Now().After(nextReclaim) {
			c.reclaim(ctx)
			nextReclaim = time.Now().Add(reclaimInterval)
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    64,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				bo.Reset()
				continue
			}
			wait := bo.NextBackOff()
			if wait < 0 {
				wait = bo.MaxInterval
			}
			log.Warn().Err(err).Dur("retry_in", wait).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

// reclaim re-reads this consumer's pending entries. XReadGroup with ">" only
// delivers new messages, so entries left unacked (rate limited on first
// delivery) would otherwise strand in the pending list forever. Reading from
// "0" returns them for another pass once capacity comes back.
func (c *Consumer) reclaim(ctx context.Context) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, "0"},
		Count:    64,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("stream pending read failed")
		}
		return
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	log := zerolog.Ctx(ctx)

	raw, ok := msg.Values["payload"].(string)
	if !ok {
		log.Error().Str("message_id", msg.ID).Msg("stream message missing payload field")
		c.ack(ctx, msg.ID)
		return
	}

	var payload usage.Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("stream message is not a usage payload")
		c.ack(ctx, msg.ID)
		return
	}

	resp, err := c.service.Submit(ctx, &payload, "stream")
	if err != nil {
		var rateLimited *ingest.RateLimitedError
		if errors.As(err, &rateLimited) {
			// Leave unacked; the next pending sweep retries it after the
			// window slides.
			log.Warn().
				Str("message_id", msg.ID).
				Str("organization_id", payload.OrganizationID).
				Dur("retry_after", rateLimited.Decision.RetryAfter).
				Msg("stream message rate limited, leaving pending")
			return
		}
		log.Error().Err(err).Str("message_id", msg.ID).Msg("stream message processing failed")
		return
	}

	if resp.Rejected > 0 {
		log.Warn().
			Str("message_id", msg.ID).
			Interface("errors", resp.Errors).
			Msg("stream message rejected")
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("message_id", id).Msg("stream ack failed")
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
