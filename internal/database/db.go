package database

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"pollenisator/internal/config"
	"pollenisator/internal/dao"
	"pollenisator/internal/store"
)

// InitDB opens the postgres connection and migrates the document table.
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&dao.DocumentRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	logrus.Info("Database connection established and migrated")
	return db, nil
}

// ConnectMongo connects and pings the mongo deployment at uri.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	logrus.Info("Mongo connection established")
	return client, nil
}

// OpenBackend builds the store backend selected by cfg.Backend.
func OpenBackend(ctx context.Context, cfg config.DatabaseConfig) (store.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryBackend(), nil
	case "postgres":
		db, err := InitDB(cfg)
		if err != nil {
			return nil, err
		}
		return dao.NewDocumentDAO(db), nil
	case "mongo":
		client, err := ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		return dao.NewMongoDAO(client), nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}
