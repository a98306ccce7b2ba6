// Package cache keeps recent channel history in Redis in front of the
// persistent store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/huebyte/echohub/chat"
)

const (
	defaultSize   = 200
	defaultTTL    = 30 * time.Minute
	defaultPrefix = "echohub:history:"
)

// Options tunes a HistoryCache.
type Options struct {
	// Size is the number of messages kept per channel.
	Size   int
	TTL    time.Duration
	Prefix string
	Logger *slog.Logger
}

// HistoryCache decorates a chat.Store. Messages are cached exactly as stored,
// so encrypted content stays encrypted in Redis. Redis failures fall back to
// the store and never fail a call on their own.
type HistoryCache struct {
	chat.Store
	rdb  *redis.Client
	opts Options
	log  *slog.Logger
}

var _ chat.Store = (*HistoryCache)(nil)

// NewHistoryCache wraps store.
func NewHistoryCache(store chat.Store, rdb *redis.Client, opts Options) *HistoryCache {
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HistoryCache{
		Store: store,
		rdb:   rdb,
		opts:  opts,
		log:   opts.Logger.With(slog.String("component", "history_cache")),
	}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL cannot be empty")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// listKey holds messages newest first; warmKey marks the list as a complete
// copy of the newest Size messages. seqKey changes on every append and
// invalidation; a warm-up that overlaps a change is discarded.
func (c *HistoryCache) listKey(channel string) string { return c.opts.Prefix + channel }
func (c *HistoryCache) warmKey(channel string) string { return c.opts.Prefix + channel + ":warm" }
func (c *HistoryCache) seqKey(channel string) string  { return c.opts.Prefix + channel + ":seq" }

func (c *HistoryCache) bumpSeq(ctx context.Context, p redis.Pipeliner, channel string) {
	p.Incr(ctx, c.seqKey(channel))
	p.Expire(ctx, c.seqKey(channel), c.opts.TTL)
}

// AppendMessage writes through to the store and then onto a warm list.
func (c *HistoryCache) AppendMessage(ctx context.Context, msg chat.Message) error {
	if err := c.Store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode message for cache", slog.String("channel", msg.Channel), slog.Any("err", err))
		c.Invalidate(ctx, msg.Channel)
		return nil
	}

	var warmCmd *redis.IntCmd
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		c.bumpSeq(ctx, p, msg.Channel)
		warmCmd = p.Exists(ctx, c.warmKey(msg.Channel))
		return nil
	})
	if err != nil {
		c.log.Warn("redis seq failed", slog.String("channel", msg.Channel), slog.Any("err", err))
		return nil
	}
	if warmCmd.Val() == 0 {
		return nil
	}
	list := c.listKey(msg.Channel)
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, list, data)
		p.LTrim(ctx, list, 0, int64(c.opts.Size-1))
		p.Expire(ctx, list, c.opts.TTL)
		p.Expire(ctx, c.warmKey(msg.Channel), c.opts.TTL)
		return nil
	})
	if err != nil {
		c.log.Warn("redis push failed", slog.String("channel", msg.Channel), slog.Any("err", err))
		c.Invalidate(ctx, msg.Channel)
	}
	return nil
}

// RecentMessages serves from a warm list, otherwise loads from the store and
// warms the list.
func (c *HistoryCache) RecentMessages(ctx context.Context, channel string, count int) ([]chat.Message, error) {
	if count <= 0 || count > c.opts.Size {
		return c.Store.RecentMessages(ctx, channel, count)
	}

	if msgs, ok := c.fromCache(ctx, channel, count); ok {
		return msgs, nil
	}

	msgs, err := c.loadAndWarm(ctx, channel)
	if err != nil {
		return nil, err
	}
	if len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}
	return msgs, nil
}

func (c *HistoryCache) fromCache(ctx context.Context, channel string, count int) ([]chat.Message, bool) {
	warm, err := c.rdb.Exists(ctx, c.warmKey(channel)).Result()
	if err != nil {
		c.log.Warn("redis exists failed", slog.String("channel", channel), slog.Any("err", err))
		return nil, false
	}
	if warm == 0 {
		return nil, false
	}
	raw, err := c.rdb.LRange(ctx, c.listKey(channel), 0, int64(count-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("redis lrange failed", slog.String("channel", channel), slog.Any("err", err))
		return nil, false
	}

	msgs := make([]chat.Message, len(raw))
	for i, item := range raw {
		// newest first in Redis, oldest first for callers
		if err := json.Unmarshal([]byte(item), &msgs[len(raw)-1-i]); err != nil {
			c.log.Warn("corrupt cached message", slog.String("channel", channel), slog.Any("err", err))
			c.Invalidate(ctx, channel)
			return nil, false
		}
	}
	return msgs, true
}

// loadAndWarm reads the newest Size messages from the store while watching
// seqKey, then replaces the cached list with them. An append or invalidation
// during the read aborts the warm-up and leaves the channel cold.
func (c *HistoryCache) loadAndWarm(ctx context.Context, channel string) ([]chat.Message, error) {
	var (
		msgs    []chat.Message
		loadErr error
		loaded  bool
	)
	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		loaded = true
		msgs, loadErr = c.Store.RecentMessages(ctx, channel, c.opts.Size)
		if loadErr != nil {
			return nil
		}
		values := make([]any, 0, len(msgs))
		for _, m := range msgs {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("encode message for cache: %w", err)
			}
			values = append(values, data)
		}
		list := c.listKey(channel)
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, list)
			if len(values) > 0 {
				p.LPush(ctx, list, values...)
				p.Expire(ctx, list, c.opts.TTL)
			}
			p.Set(ctx, c.warmKey(channel), 1, c.opts.TTL)
			return nil
		})
		return err
	}, c.seqKey(channel))

	if !loaded {
		// redis unreachable before the read started
		c.log.Warn("redis watch failed", slog.String("channel", channel), slog.Any("err", err))
		return c.Store.RecentMessages(ctx, channel, c.opts.Size)
	}
	if loadErr != nil {
		return nil, loadErr
	}
	switch {
	case errors.Is(err, redis.TxFailedErr):
		c.log.Debug("history changed during warm-up", slog.String("channel", channel))
	case err != nil:
		c.log.Warn("redis warm failed", slog.String("channel", channel), slog.Any("err", err))
	}
	return msgs, nil
}

// Invalidate drops the cached history of a channel; the next read reloads it.
func (c *HistoryCache) Invalidate(ctx context.Context, channel string) {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, c.warmKey(channel), c.listKey(channel))
		c.bumpSeq(ctx, p, channel)
		return nil
	})
	if err != nil {
		c.log.Warn("redis invalidate failed", slog.String("channel", channel), slog.Any("err", err))
	}
}
