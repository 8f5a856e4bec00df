package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a Registry persisted in MongoDB.
type MongoStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
	now              func() time.Time
}

func wrapErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ms *MongoStore) upsert(ctx context.Context, collection string, filter bson.D, set bson.D, onInsert bson.D) (*mongo.UpdateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	update := bson.D{{Key: "$set", Value: set}}
	if len(onInsert) > 0 {
		update = append(update, bson.E{Key: "$setOnInsert", Value: onInsert})
	}
	result, err := ms.db.Collection(collection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return nil, wrapErr(err)
	}
	return result, nil
}

func (ms *MongoStore) setConnected(ctx context.Context, collection, key, value string, connected bool) error {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	result, err := ms.db.Collection(collection).UpdateOne(ctx,
		bson.D{{Key: key, Value: value}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "mqtt_connection", Value: connected}}}},
	)
	if err != nil {
		return wrapErr(err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%s %s: %w", collection, value, ErrNotFound)
	}
	return nil
}

func (ms *MongoStore) findOne(ctx context.Context, collection string, filter bson.D, out any) error {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	startTime := time.Now()
	err := ms.db.Collection(collection).FindOne(ctx, filter).Decode(out)
	logger.DebugF("%s query cost: %v", collection, time.Since(startTime))
	if err != nil {
		return wrapErr(err)
	}
	return nil
}

func (ms *MongoStore) UpsertBot(ctx context.Context, bot Bot) error {
	if bot.DID == "" {
		return ErrClientIDEmpty
	}
	result, err := ms.upsert(ctx, BotCollectionName,
		bson.D{{Key: "did", Value: bot.DID}},
		bson.D{
			{Key: "sn", Value: bot.Serial},
			{Key: "class", Value: bot.Class},
			{Key: "resource", Value: bot.Resource},
			{Key: "company", Value: bot.Company},
		},
		bson.D{
			{Key: "mqtt_connection", Value: false},
			{Key: "xmpp_connection", Value: false},
		},
	)
	if err != nil {
		return err
	}
	logger.InfoF("Bot saved: did=%s, matched=%d, modified=%d, upserted=%v",
		bot.DID, result.MatchedCount, result.ModifiedCount, result.UpsertedID != nil)
	return nil
}

func (ms *MongoStore) GetBot(ctx context.Context, did string) (*Bot, error) {
	var bot Bot
	if err := ms.findOne(ctx, BotCollectionName, bson.D{{Key: "did", Value: did}}, &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

func (ms *MongoStore) SetBotConnected(ctx context.Context, did string, connected bool) error {
	return ms.setConnected(ctx, BotCollectionName, "did", did, connected)
}

func (ms *MongoStore) UpsertClient(ctx context.Context, client Client) error {
	if client.Resource == "" {
		return ErrClientIDEmpty
	}
	result, err := ms.upsert(ctx, ClientCollectionName,
		bson.D{{Key: "resource", Value: client.Resource}},
		bson.D{
			{Key: "userid", Value: client.UserID},
			{Key: "realm", Value: client.Realm},
		},
		bson.D{
			{Key: "mqtt_connection", Value: false},
			{Key: "xmpp_connection", Value: false},
		},
	)
	if err != nil {
		return err
	}
	logger.InfoF("Client saved: resource=%s, matched=%d, modified=%d, upserted=%v",
		client.Resource, result.MatchedCount, result.ModifiedCount, result.UpsertedID != nil)
	return nil
}

func (ms *MongoStore) GetClient(ctx context.Context, resource string) (*Client, error) {
	var client Client
	if err := ms.findOne(ctx, ClientCollectionName, bson.D{{Key: "resource", Value: resource}}, &client); err != nil {
		return nil, err
	}
	return &client, nil
}

func (ms *MongoStore) SetClientConnected(ctx context.Context, resource string, connected bool) error {
	return ms.setConnected(ctx, ClientCollectionName, "resource", resource, connected)
}

func (ms *MongoStore) AddAuthcode(ctx context.Context, code Authcode) error {
	if code.UserID == "" {
		return ErrClientIDEmpty
	}
	set := bson.D{{Key: "expires_at", Value: code.ExpiresAt}}
	_, err := ms.upsert(ctx, AuthcodeCollectionName,
		bson.D{{Key: "userid", Value: code.UserID}, {Key: "authcode", Value: code.Authcode}},
		set, nil)
	return err
}

func (ms *MongoStore) CheckAuthcode(ctx context.Context, userID, authcode string) (bool, error) {
	var code Authcode
	err := ms.findOne(ctx, AuthcodeCollectionName,
		bson.D{{Key: "userid", Value: userID}, {Key: "authcode", Value: authcode}}, &code)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return code.Valid(ms.now()), nil
}
