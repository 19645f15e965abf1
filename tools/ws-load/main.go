// Command ws-load holds many event stream connections open on one board
// while a writer keeps moving an item, and reports delivery counts.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"

	"boardsync/client"
	"boardsync/domain"
	"boardsync/wire"
)

type loadEnv struct {
	BaseURL     string        `env:"BASE_URL"        envDefault:"http://localhost:8080"`
	Bearer      string        `env:"TEST_BEARER,required"`
	Board       string        `env:"BOARD_ID,required"`
	Item        string        `env:"ITEM_ID,required"`
	From        string        `env:"FROM_CONTAINER,required"`
	To          string        `env:"TO_CONTAINER,required"`
	Connections int           `env:"WS_CONNECTIONS"  envDefault:"200"`
	Duration    time.Duration `env:"DURATION"        envDefault:"2m"`
	MoveEvery   time.Duration `env:"MOVE_INTERVAL"   envDefault:"250ms"`
}

func main() {
	var cfg loadEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse env: %v", err)
	}
	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var events, attempts, failures, moves, moveFailures atomic.Uint64
	room := domain.BoardRoom(domain.BoardID(cfg.Board))

	var wg sync.WaitGroup
	for range cfg.Connections {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := client.New(cfg.BaseURL, cfg.Bearer, logger)
			backoff := time.Second
			for ctx.Err() == nil {
				attempts.Add(1)
				if err := listen(ctx, c, room, &events); err != nil && ctx.Err() == nil {
					failures.Add(1)
					select {
					case <-ctx.Done():
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, 5*time.Second)
					continue
				}
				backoff = time.Second
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		writer := client.New(cfg.BaseURL, cfg.Bearer, logger)
		ticker := time.NewTicker(cfg.MoveEvery)
		defer ticker.Stop()
		source, target := domain.ContainerID(cfg.From), domain.ContainerID(cfg.To)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := writer.MoveItem(ctx, domain.MoveIntent{
				ItemID:            domain.ItemID(cfg.Item),
				SourceContainerID: source,
				TargetContainerID: target,
			})
			if err != nil {
				if ctx.Err() == nil {
					moveFailures.Add(1)
				}
				continue
			}
			moves.Add(1)
			source, target = target, source
		}
	}()

	wg.Wait()
	failureRate := 0.0
	if n := attempts.Load(); n > 0 {
		failureRate = float64(failures.Load()) / float64(n)
	}
	fmt.Printf("connections=%d duration=%s moves=%d move_failures=%d events_received=%d connection_failures=%d\n",
		cfg.Connections, cfg.Duration, moves.Load(), moveFailures.Load(), events.Load(), failures.Load())
	if events.Load() == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

// listen keeps one stream open until ctx ends or the connection drops.
func listen(ctx context.Context, c *client.Client, room domain.RoomID, events *atomic.Uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	s, err := c.Dial(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	defer s.Close()
	if _, err := s.Join(room); err != nil {
		return err
	}
	return s.Feed(ctx, client.NewBoard(), func(f wire.ServerFrame) {
		if f.Type == wire.TypeEvent {
			events.Add(1)
		}
	})
}
