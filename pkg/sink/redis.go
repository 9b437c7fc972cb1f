package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/itohio/bsstream/pkg/config"
	"github.com/itohio/bsstream/pkg/sample"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultDialTimeout = 2 * time.Second

// Message is the JSON payload published for every batch.
type Message struct {
	FirstIndex uint64    `json:"first_index"`
	Count      int       `json:"count"`
	Timestamp  time.Time `json:"timestamp"`
	Values     []float64 `json:"values"`
	// Indices holds the sample index of every value when the batch was
	// reduced to max_points. Without reduction values are consecutive
	// from FirstIndex.
	Indices []uint64 `json:"indices,omitempty"`
}

// Redis publishes batches to a Redis channel, optionally keeping a capped
// history list of the published messages.
type Redis struct {
	client  *redis.Client
	cfg     config.RedisSinkConfig
	log     logrus.FieldLogger
	now     func() time.Time
	reduced []sample.Scaled
	values  []float64
	indices []uint64
}

// DialRedis connects to the configured server and verifies the connection.
func DialRedis(ctx context.Context, cfg config.RedisSinkConfig, log logrus.FieldLogger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	r := NewRedis(client, cfg, log)
	r.log.WithField("addr", cfg.Addr).Info("Redis connected")
	return r, nil
}

// NewRedis wraps an existing client. The sink owns the client and closes it.
func NewRedis(client *redis.Client, cfg config.RedisSinkConfig, log logrus.FieldLogger) *Redis {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Redis{
		client: client,
		cfg:    cfg,
		log:    log.WithField("sink", "redis"),
		now:    time.Now,
	}
}

// Write implements Sink.
func (r *Redis) Write(ctx context.Context, batch []sample.Scaled) error {
	if len(batch) == 0 {
		return nil
	}

	if r.cfg.Reduce == "mean" {
		r.reduced = sample.Average(r.reduced, batch, r.cfg.MaxPoints)
	} else {
		r.reduced = sample.Downsample(r.reduced, batch, r.cfg.MaxPoints)
	}

	reduced := r.cfg.MaxPoints > 0
	r.values = r.values[:0]
	r.indices = r.indices[:0]
	for _, s := range r.reduced {
		r.values = append(r.values, s.Value)
		if reduced {
			r.indices = append(r.indices, s.Index)
		}
	}

	msg := Message{
		FirstIndex: batch[0].Index,
		Count:      len(batch),
		Timestamp:  r.now().UTC(),
		Values:     r.values,
	}
	if reduced {
		msg.Indices = r.indices
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if r.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.WriteTimeout)
		defer cancel()
	}

	if err := r.client.Publish(ctx, r.cfg.Channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", r.cfg.Channel, err)
	}

	if r.cfg.HistoryKey == "" {
		return nil
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.cfg.HistoryKey, data)
	if r.cfg.HistoryLen > 0 {
		pipe.LTrim(ctx, r.cfg.HistoryKey, 0, int64(r.cfg.HistoryLen-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.WithError(err).Warn("Failed to append history")
	}
	return nil
}

// Close implements Sink.
func (r *Redis) Close() error {
	return r.client.Close()
}
