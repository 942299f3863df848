// Package presets builds ready-to-use lock backends, clients and loggers from
// plain option structs.
package presets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-dlock/v1/adapter"
	"github.com/mirkobrombin/go-dlock/v1/lock"
)

// Backend names used by NewRegistry.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendGorm   = "gorm"
	BackendMongo  = "mongo"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds each lock command. Zero keeps the adapter default.
	Timeout time.Duration
}

// GormOptions configures the SQL database holding lock tables.
type GormOptions struct {
	// Dialect is one of "postgres", "mysql" or "sqlite".
	Dialect string
	DSN     string
	Timeout time.Duration
}

// MongoOptions configures the MongoDB database holding lock collections.
type MongoOptions struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// LogOptions configures the logger shared by the lock components.
type LogOptions struct {
	// Level is a zap level name. Empty means info.
	Level string
	// File enables rotated file output. Empty writes to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewLogger returns a JSON zap logger configured by opts.
func NewLogger(opts LogOptions) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.File != "" {
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 10),
			MaxAge:     orDefault(opts.MaxAgeDays, 7),
			Compress:   opts.Compress,
		})
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), out, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewRedisLock connects to Redis and returns a lock backend on top of it.
func NewRedisLock(opts RedisOptions, logger *zap.Logger) (*adapter.RedisLock, *redis.Client) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ropts := []adapter.RedisOption{adapter.WithRedisLogger(logger)}
	if opts.Timeout > 0 {
		ropts = append(ropts, adapter.WithRedisTimeout(opts.Timeout))
	}
	return adapter.NewRedisLock(client, ropts...), client
}

// OpenGorm opens the database described by opts.
func OpenGorm(opts GormOptions) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(opts.Dialect) {
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	case "mysql":
		dialector = mysql.Open(opts.DSN)
	case "sqlite":
		dialector = sqlite.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database dialect: %q", opts.Dialect)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", opts.Dialect, err)
	}
	return db, nil
}

// NewGormLock opens the database and returns a lock backend on top of it.
func NewGormLock(opts GormOptions, logger *zap.Logger) (*adapter.GormLock, *gorm.DB, error) {
	db, err := OpenGorm(opts)
	if err != nil {
		return nil, nil, err
	}
	gopts := []adapter.GormOption{adapter.WithGormLogger(logger)}
	if opts.Timeout > 0 {
		gopts = append(gopts, adapter.WithGormTimeout(opts.Timeout))
	}
	return adapter.NewGormLock(db, gopts...), db, nil
}

// NewMongoLock connects to MongoDB and returns a lock backend on top of it.
// The client connects lazily; callers disconnect it when done.
func NewMongoLock(ctx context.Context, opts MongoOptions, logger *zap.Logger) (*adapter.MongoLock, *mongo.Client, error) {
	if opts.Database == "" {
		return nil, nil, fmt.Errorf("mongo database name is required")
	}
	client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	mopts := []adapter.MongoOption{adapter.WithMongoLogger(logger)}
	if opts.Timeout > 0 {
		mopts = append(mopts, adapter.WithMongoTimeout(opts.Timeout))
	}
	return adapter.NewMongoLock(client.Database(opts.Database), mopts...), client, nil
}

// Options selects the backends registered by NewRegistry. The in-memory
// backend is always registered; the others only when their options are set.
type Options struct {
	Redis *RedisOptions
	Gorm  *GormOptions
	Mongo *MongoOptions
	Log   LogOptions
}

// Backends is a registry of lock backends together with the resources that
// back them.
type Backends struct {
	*lock.Registry
	Logger *zap.Logger

	closers []func(context.Context) error
}

// NewRegistry builds every backend selected by opts.
func NewRegistry(ctx context.Context, opts Options) (*Backends, error) {
	logger, err := NewLogger(opts.Log)
	if err != nil {
		return nil, err
	}
	b := &Backends{Registry: lock.NewRegistry(), Logger: logger}
	b.Register(BackendMemory, lock.NewInMemory())

	if opts.Redis != nil {
		l, client := NewRedisLock(*opts.Redis, logger)
		b.Register(BackendRedis, l)
		b.closers = append(b.closers, func(context.Context) error { return client.Close() })
	}
	if opts.Gorm != nil {
		l, db, err := NewGormLock(*opts.Gorm, logger)
		if err != nil {
			_ = b.Close(ctx)
			return nil, err
		}
		b.Register(BackendGorm, l)
		b.closers = append(b.closers, func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
	}
	if opts.Mongo != nil {
		l, client, err := NewMongoLock(ctx, *opts.Mongo, logger)
		if err != nil {
			_ = b.Close(ctx)
			return nil, err
		}
		b.Register(BackendMongo, l)
		b.closers = append(b.closers, client.Disconnect)
	}
	return b, nil
}

// Locker returns a Locker over the backend registered under name.
func (b *Backends) Locker(name string, opts ...lock.Option) (*lock.Locker, error) {
	backend, err := b.Get(name)
	if err != nil {
		return nil, err
	}
	opts = append([]lock.Option{lock.WithLogger(b.Logger)}, opts...)
	return lock.New(backend, opts...), nil
}

// Close releases every client opened by NewRegistry. It returns the first
// error encountered.
func (b *Backends) Close(ctx context.Context) error {
	var first error
	for _, c := range b.closers {
		if err := c(ctx); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	_ = b.Logger.Sync()
	return first
}

// NewInMemoryStandalone returns a Locker with no external dependencies.
// Useful for tests and single-process deployments.
func NewInMemoryStandalone(opts ...lock.Option) *lock.Locker {
	return lock.New(lock.NewInMemory(), opts...)
}
