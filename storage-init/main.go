package main

import (
	"context"
	"errors"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"

	"boardsync/storage"
)

type initEnv struct {
	Debug                   bool   `env:"DEBUG"`
	Store                   string `env:"STORE_BACKEND"   envDefault:"tables"`
	SQLitePath              string `env:"SQLITE_PATH"     envDefault:"boardsync.db"`
	SeedFile                string `env:"SEED_FILE"`
	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	PositionsTable          string `env:"POSITIONS_TABLE" envDefault:"Positions"`
	DirectoryTable          string `env:"DIRECTORY_TABLE" envDefault:"Directory"`
	MembersTable            string `env:"MEMBERS_TABLE"   envDefault:"Members"`
	NotifyQueue             string `env:"NOTIFY_QUEUE"`
}

func main() {
	var cfg initEnv
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse env: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.WithField("store", cfg.Store).Info("storage init starting")

	ctx := context.Background()
	var seeder storage.Seeder

	switch cfg.Store {
	case "sqlite":
		s, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite: %v", err)
		}
		defer s.Close()
		log.WithField("path", cfg.SQLitePath).Info("migrations applied")
		seeder = s
	case "tables":
		if cfg.StorageConnectionString == "" {
			log.Fatal("missing STORAGE_CONNECTION_STRING")
		}
		names := storage.TableNames{
			Positions: cfg.PositionsTable,
			Directory: cfg.DirectoryTable,
			Members:   cfg.MembersTable,
		}
		if err := createTables(ctx, cfg.StorageConnectionString, []string{names.Positions, names.Directory, names.Members}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
		s, err := storage.NewTableStore(cfg.StorageConnectionString, names)
		if err != nil {
			log.Fatalf("table store: %v", err)
		}
		seeder = s
	default:
		log.Fatalf("unsupported STORE_BACKEND %q", cfg.Store)
	}

	if cfg.NotifyQueue != "" {
		if cfg.StorageConnectionString == "" {
			log.Fatal("NOTIFY_QUEUE needs STORAGE_CONNECTION_STRING")
		}
		if err := createQueues(ctx, cfg.StorageConnectionString, []string{cfg.NotifyQueue}); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	}

	if cfg.SeedFile != "" {
		f, err := os.Open(cfg.SeedFile)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		err = storage.LoadFixture(ctx, seeder, f)
		f.Close()
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.WithField("file", cfg.SeedFile).Info("fixture loaded")
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return err
		}
		log.WithField("queue", name).Debug("queue ready")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
