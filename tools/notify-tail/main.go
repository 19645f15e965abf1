// Command notify-tail drains the notification queue and logs every event.
// It stands in for the notification service during local development.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"

	"boardsync/notify"
)

type tailEnv struct {
	Debug                   bool   `env:"DEBUG"`
	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING,required"`
	NotifyQueue             string `env:"NOTIFY_QUEUE,required"`
}

func main() {
	var cfg tailEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse env: %v", err)
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	consumer, err := notify.NewConsumer(cfg.StorageConnectionString, cfg.NotifyQueue, logger)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("queue", cfg.NotifyQueue).Info("notify tail starting")
	_ = consumer.Run(ctx, func(_ context.Context, msg notify.Message) error {
		logger.WithFields(log.Fields{
			"event_id":      msg.Event.ID,
			"event_type":    msg.Event.Type,
			"board_id":      msg.Event.BoardID,
			"containers":    msg.Event.ContainerIDs,
			"rooms":         msg.Rooms,
			"originator_id": msg.Event.OriginatorConnectionID,
		}).Info("event")
		return nil
	})
}
