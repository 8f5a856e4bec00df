package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/config"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const defaultOperationTimeout = 5 * time.Second

// DBCloseCallback disconnects the Mongo client during shutdown.
type DBCloseCallback struct {
	store *MongoStore
}

func NewDBCloseCallback(store *MongoStore) *DBCloseCallback {
	return &DBCloseCallback{store: store}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return dc.store.client.Disconnect(ctx)
}

// DatabaseURL builds the mongodb:// connection string for cfg.
func DatabaseURL(cfg config.Database) string {
	// escape credentials for the URI userinfo
	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	if encodedUser == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
}

func clientOptions(cfg config.Config) *options.ClientOptions {
	db := cfg.Database
	clientOptions := options.Client().ApplyURI(DatabaseURL(db)).SetAppName(cfg.AppName)
	// pool sizing
	clientOptions.SetMinPoolSize(db.MinPoolSize)
	clientOptions.SetMaxPoolSize(db.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTimeOr(db.ConnectIdleTimeout, 5*time.Minute))
	// timeouts
	clientOptions.SetConnectTimeout(utils.ParseStringTimeOr(db.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTimeOr(db.SocketTimeout, 30*time.Second))
	// heartbeat
	clientOptions.SetHeartbeatInterval(utils.ParseStringTimeOr(db.Heartbeat, 10*time.Second))
	if db.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// pool events
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})
	return clientOptions
}

// ConnectDatabase dials MongoDB, verifies the connection and prepares the
// registry collections.
func ConnectDatabase(ctx context.Context, cfg config.Config) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	store := &MongoStore{
		client:           client,
		db:               client.Database(cfg.Database.Database),
		operationTimeout: utils.ParseStringTimeOr(cfg.Database.OperationTimeout, defaultOperationTimeout),
		now:              time.Now,
	}
	if err := store.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}
	logger.InfoF("Connected to database %s", cfg.Database.Database)
	return store, nil
}

func (ms *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[string]mongo.IndexModel{
		BotCollectionName: {
			Keys:    bson.D{{Key: "did", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("bots_did_unique"),
		},
		ClientCollectionName: {
			Keys:    bson.D{{Key: "resource", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("clients_resource_unique"),
		},
		AuthcodeCollectionName: {
			Keys:    bson.D{{Key: "userid", Value: 1}, {Key: "authcode", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("authcodes_userid_authcode_unique"),
		},
	}
	for _, name := range collectionsList {
		if _, err := ms.db.Collection(name).Indexes().CreateOne(ctx, indexes[name]); err != nil {
			return fmt.Errorf("error occured while creating %s indexes: %w", name, err)
		}
	}
	return nil
}
