package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/kestrel-dash/internal/link"
)

const defaultMaxRecords = 1000

// Config holds Redis connection and naming settings.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Addr       string `yaml:"addr" json:"addr"`
	Password   string `yaml:"password" json:"-"`
	DB         int    `yaml:"db" json:"db"`
	PoolSize   int    `yaml:"pool_size" json:"poolSize"`
	Channel    string `yaml:"channel" json:"channel"`
	Device     string `yaml:"device" json:"device"`
	MaxRecords int    `yaml:"max_records" json:"maxRecords"`
}

// client is the subset of *redis.Client the publisher uses.
type client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// Publisher fans decoded events out to a Redis pub/sub channel and keeps
// the most recent log records in a capped list.
type Publisher struct {
	client     client
	channel    string
	listKey    string
	maxRecords int64
	log        logrus.FieldLogger
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(ctx context.Context, cfg Config, l logrus.FieldLogger) (*Publisher, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("storage: connect to redis at %s: %w", cfg.Addr, err)
	}
	p := newPublisher(c, cfg, l)
	p.log.WithField("addr", cfg.Addr).Info("redis connected")
	return p, nil
}

func newPublisher(c client, cfg Config, l logrus.FieldLogger) *Publisher {
	if cfg.Channel == "" {
		cfg.Channel = "kestrel:events"
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Publisher{
		client:     c,
		channel:    cfg.Channel,
		listKey:    ListKey(cfg.Device),
		maxRecords: int64(cfg.MaxRecords),
		log:        l.WithField("component", "storage"),
	}
}

// ListKey is the list holding recent log records of device.
func ListKey(device string) string {
	return fmt.Sprintf("kestrel:%s:records", device)
}

// Publish sends ev to the channel. Log records are also pushed to the
// device list, which is trimmed to the configured length.
func (p *Publisher) Publish(ctx context.Context, ev link.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: encode %s event: %w", ev.Kind, err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("storage: publish: %w", err)
	}

	if ev.Kind != link.EventLogRecord {
		return nil
	}
	if err := p.client.LPush(ctx, p.listKey, data).Err(); err != nil {
		p.log.Warnf("push to %s failed: %v", p.listKey, err)
		return nil
	}
	if err := p.client.LTrim(ctx, p.listKey, 0, p.maxRecords-1).Err(); err != nil {
		p.log.Warnf("trim %s failed: %v", p.listKey, err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
