package adapter

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-dlock/v1/lock"
)

// mongoLease is the document stored in a lock collection.
type mongoLease struct {
	Key      string    `bson:"_id"`
	Token    string    `bson:"token"`
	ExpireAt time.Time `bson:"expireAt"`
}

// mongoCollection is the subset of *mongo.Collection used by MongoLock.
type mongoCollection interface {
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// MongoLock implements lock.Backend on MongoDB, one collection per store id.
// Keys are claimed one document at a time; a multi-key acquisition that meets
// a live lease removes the documents it already claimed before reporting
// contention.
type MongoLock struct {
	collection func(storeID string) mongoCollection
	opts       commonOptions
	now        func() time.Time
}

// MongoOption configures a MongoLock.
type MongoOption func(*MongoLock)

// WithMongoTimeout sets the timeout of each lock operation.
func WithMongoTimeout(d time.Duration) MongoOption {
	return func(m *MongoLock) {
		m.opts.timeout = d
	}
}

// WithMongoLogger sets the logger.
func WithMongoLogger(l *zap.Logger) MongoOption {
	return func(m *MongoLock) {
		if l != nil {
			m.opts.logger = l
		}
	}
}

// WithMongoTokens sets the token supplier.
func WithMongoTokens(s lock.TokenSupplier) MongoOption {
	return func(m *MongoLock) {
		m.opts.tokens = s
	}
}

// WithMongoClock sets the time source used to compute expirations.
func WithMongoClock(now func() time.Time) MongoOption {
	return func(m *MongoLock) {
		m.now = now
	}
}

// NewMongoLock returns a MongoLock storing leases in db.
func NewMongoLock(db *mongo.Database, opts ...MongoOption) *MongoLock {
	return newMongoLock(func(storeID string) mongoCollection {
		return db.Collection(storeID)
	}, opts...)
}

func newMongoLock(collection func(string) mongoCollection, opts ...MongoOption) *MongoLock {
	m := &MongoLock{
		collection: collection,
		opts:       defaultCommonOptions(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureMongoTTLIndex creates the TTL index that lets MongoDB purge expired
// leases of storeID. Expired leases are ignored by MongoLock either way.
func EnsureMongoTTLIndex(ctx context.Context, db *mongo.Database, storeID string) error {
	_, err := db.Collection(storeID).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expireAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return mapErr(err)
}

func ownedFilter(keys []string, token string, now time.Time) bson.M {
	return bson.M{
		"_id":      bson.M{"$in": keys},
		"token":    token,
		"expireAt": bson.M{"$gt": now},
	}
}

// Acquire implements lock.Backend.Acquire.
func (m *MongoLock) Acquire(ctx context.Context, keys []string, storeID string, ttl time.Duration) (string, error) {
	token, err := m.opts.newToken()
	if err != nil {
		return "", err
	}
	cctx, cancel, err := m.opts.opContext(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	coll := m.collection(storeID)
	now := m.now().UTC()
	update := bson.M{"$set": bson.M{"token": token, "expireAt": expireAt(now, ttl)}}
	findOpts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	claimed := make([]string, 0, len(keys))
	for _, k := range keys {
		var doc mongoLease
		err := coll.FindOneAndUpdate(cctx, bson.M{"_id": k, "expireAt": bson.M{"$lte": now}}, update, findOpts).Decode(&doc)
		if err == nil && doc.Token == token {
			claimed = append(claimed, k)
			continue
		}
		if err == nil || mongo.IsDuplicateKeyError(err) {
			m.opts.logger.Debug("lease is held by another owner",
				zap.String("key", k), zap.String("store", storeID))
			return "", m.rollback(ctx, coll, claimed, storeID, token)
		}
		if rbErr := m.rollback(ctx, coll, claimed, storeID, token); rbErr != nil {
			m.opts.logger.Error("rollback of partial acquisition failed",
				zap.Strings("keys", claimed), zap.String("store", storeID), zap.Error(rbErr))
		}
		return "", mapErr(err)
	}
	m.opts.logger.Debug("acquired lock",
		zap.Strings("keys", keys), zap.String("store", storeID), zap.String("token", token))
	return token, nil
}

// rollback deletes the documents claimed by a failed multi-key acquisition.
// It runs detached from ctx so a cancelled caller does not leave them behind.
func (m *MongoLock) rollback(ctx context.Context, coll mongoCollection, claimed []string, storeID, token string) error {
	if len(claimed) == 0 {
		return nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.timeout)
	defer cancel()
	_, err := coll.DeleteMany(rctx, bson.M{"_id": bson.M{"$in": claimed}, "token": token})
	if err != nil {
		return mapErr(err)
	}
	m.opts.logger.Debug("rolled back partial acquisition",
		zap.Strings("keys", claimed), zap.String("store", storeID))
	return nil
}

// owned reports whether every key is held by token.
func (m *MongoLock) owned(ctx context.Context, coll mongoCollection, keys []string, token string, now time.Time) (bool, error) {
	n, err := coll.CountDocuments(ctx, ownedFilter(keys, token, now))
	if err != nil {
		return false, mapErr(err)
	}
	return n == int64(len(keys)), nil
}

// Release implements lock.Backend.Release.
func (m *MongoLock) Release(ctx context.Context, keys []string, storeID, token string) (bool, error) {
	cctx, cancel, err := m.opts.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	coll := m.collection(storeID)
	now := m.now().UTC()
	ok, err := m.owned(cctx, coll, keys, token, now)
	if err != nil {
		return false, err
	}
	if !ok {
		m.opts.logger.Error("release found leases not owned by the token",
			zap.Strings("keys", keys), zap.String("store", storeID), zap.String("token", token))
		return false, nil
	}
	res, err := coll.DeleteMany(cctx, ownedFilter(keys, token, now))
	if err != nil {
		return false, mapErr(err)
	}
	released := res.DeletedCount == int64(len(keys))
	if !released {
		m.opts.logger.Error("release query did not affect every lease",
			zap.Strings("keys", keys), zap.String("store", storeID), zap.Int64("deleted", res.DeletedCount))
	}
	return released, nil
}

// Refresh implements lock.Backend.Refresh.
func (m *MongoLock) Refresh(ctx context.Context, keys []string, storeID, token string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := m.opts.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	coll := m.collection(storeID)
	now := m.now().UTC()
	ok, err := m.owned(cctx, coll, keys, token, now)
	if err != nil || !ok {
		return false, err
	}
	res, err := coll.UpdateMany(cctx, ownedFilter(keys, token, now),
		bson.M{"$set": bson.M{"expireAt": expireAt(now, ttl)}})
	if err != nil {
		return false, mapErr(err)
	}
	return res.MatchedCount == int64(len(keys)), nil
}
