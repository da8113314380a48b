// Package backend opens the store and change feed selected by the client
// configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/whisper/livechat/internal/config"
	"github.com/whisper/livechat/internal/messaging"
	"github.com/whisper/livechat/internal/realtime"
	"github.com/whisper/livechat/internal/store"
	"github.com/whisper/livechat/internal/store/memory"
	"github.com/whisper/livechat/internal/store/postgres"
	"github.com/whisper/livechat/internal/store/redisstore"
)

// Backend is an open store and the feed that observes it.
type Backend struct {
	Store store.Store
	Feed  store.Feed

	closers []func() error
}

// Open validates cfg and connects the store and feed. On error everything
// opened so far is closed.
func Open(ctx context.Context, cfg config.Client) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Backend{}
	if err := b.openStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openFeed(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	log.Printf("[backend] store=%s feed=%s", cfg.Store, cfg.FeedBackend())
	return b, nil
}

func (b *Backend) openStore(ctx context.Context, cfg config.Client) error {
	switch cfg.Store {
	case config.BackendPostgres:
		if cfg.AutoMigrate {
			if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
		}
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		b.Store = st
	case config.BackendRedis:
		rdb, err := redisstore.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		b.Store = redisstore.New(rdb)
	case config.BackendMemory:
		b.Store = memory.New()
	default:
		return fmt.Errorf("backend: unknown store %q", cfg.Store)
	}
	b.closers = append(b.closers, b.Store.Close)
	return nil
}

func (b *Backend) openFeed(ctx context.Context, cfg config.Client) error {
	switch feed := cfg.FeedBackend(); feed {
	case config.BackendPostgres:
		f := postgres.NewFeed(cfg.DatabaseURL)
		b.Feed = f
		b.closers = append(b.closers, f.Close)
	case config.BackendRedis:
		f := redisstore.NewFeed(b.Store.(*redisstore.Store).Client())
		b.Feed = f
		b.closers = append(b.closers, f.Close)
	case config.BackendMemory:
		b.Feed = b.Store.(*memory.Store)
	case config.FeedGateway:
		f, err := realtime.DialFeed(ctx, cfg.GatewayURL)
		if err != nil {
			return err
		}
		b.Feed = f
		b.closers = append(b.closers, f.Close)
	case config.FeedNATS:
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "livechat-client"
		client, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			return err
		}
		b.Feed = realtime.NewNATSFeed(client)
		b.closers = append(b.closers, func() error {
			client.Close()
			return nil
		})
	default:
		return fmt.Errorf("backend: unknown feed %q", feed)
	}
	return nil
}

// Close closes the feed, then the store.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
