package adapter

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mirkobrombin/go-dlock/v1/lock"
)

// gormLease is the row stored in a lock table.
type gormLease struct {
	Key      string    `gorm:"primaryKey;column:key;size:255"`
	Token    string    `gorm:"column:token;size:64;not null"`
	ExpireAt time.Time `gorm:"column:expireAt;not null"`
}

// errLeaseConflict rolls back a lease transaction that did not affect the
// expected number of rows.
var errLeaseConflict = stdErrors.New("lease conflict")

var (
	keyColumn      = clause.Column{Name: "key"}
	tokenColumn    = clause.Column{Name: "token"}
	expireAtColumn = clause.Column{Name: "expireAt"}
)

// GormLock implements lock.Backend using a SQL table per store id, accessed
// through GORM. Each operation runs in its own transaction started from the
// handle given to NewGormLock, never inside a caller's transaction.
type GormLock struct {
	db          *gorm.DB
	opts        commonOptions
	isolation   sql.IsolationLevel
	autoMigrate bool
	now         func() time.Time

	migrateMu sync.Mutex
	migrated  sync.Map
}

// GormOption configures a GormLock.
type GormOption func(*GormLock)

// WithGormTimeout sets the timeout of each lock transaction.
func WithGormTimeout(d time.Duration) GormOption {
	return func(g *GormLock) {
		g.opts.timeout = d
	}
}

// WithGormLogger sets the logger.
func WithGormLogger(l *zap.Logger) GormOption {
	return func(g *GormLock) {
		if l != nil {
			g.opts.logger = l
		}
	}
}

// WithGormTokens sets the token supplier.
func WithGormTokens(s lock.TokenSupplier) GormOption {
	return func(g *GormLock) {
		g.opts.tokens = s
	}
}

// WithGormIsolation sets the transaction isolation level. It defaults to
// READ COMMITTED.
func WithGormIsolation(level sql.IsolationLevel) GormOption {
	return func(g *GormLock) {
		g.isolation = level
	}
}

// WithGormAutoMigrate controls whether lock tables are created on first use.
// Enabled by default.
func WithGormAutoMigrate(enabled bool) GormOption {
	return func(g *GormLock) {
		g.autoMigrate = enabled
	}
}

// WithGormClock sets the time source used to compute expirations.
func WithGormClock(now func() time.Time) GormOption {
	return func(g *GormLock) {
		g.now = now
	}
}

// NewGormLock returns a new GormLock using the provided GORM DB connection.
func NewGormLock(db *gorm.DB, opts ...GormOption) *GormLock {
	g := &GormLock{
		db:          db,
		opts:        defaultCommonOptions(),
		isolation:   sql.LevelReadCommitted,
		autoMigrate: true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ensureTable creates the lock table for storeID once per GormLock.
func (g *GormLock) ensureTable(ctx context.Context, storeID string) error {
	if !g.autoMigrate {
		return nil
	}
	if _, ok := g.migrated.Load(storeID); ok {
		return nil
	}
	g.migrateMu.Lock()
	defer g.migrateMu.Unlock()
	if _, ok := g.migrated.Load(storeID); ok {
		return nil
	}
	db := g.db.WithContext(ctx)
	if !db.Migrator().HasTable(storeID) {
		if err := db.Table(storeID).AutoMigrate(&gormLease{}); err != nil {
			return err
		}
	}
	g.migrated.Store(storeID, struct{}{})
	return nil
}

// transaction runs fn in a new transaction bounded by the adapter timeout.
// errLeaseConflict returned by fn rolls back and yields ok=false.
func (g *GormLock) transaction(ctx context.Context, storeID string, fn func(tx *gorm.DB) error) (bool, error) {
	cctx, cancel, err := g.opts.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	if err := g.ensureTable(cctx, storeID); err != nil {
		return false, mapErr(err)
	}
	err = g.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx.Table(storeID).Session(&gorm.Session{}))
	}, &sql.TxOptions{Isolation: g.isolation})
	if stdErrors.Is(err, errLeaseConflict) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return true, nil
}

func ownedBy(tx *gorm.DB, keys []string, token string, now time.Time) *gorm.DB {
	values := make([]interface{}, len(keys))
	for i, k := range keys {
		values[i] = k
	}
	return tx.
		Where(clause.IN{Column: keyColumn, Values: values}).
		Where(clause.Eq{Column: tokenColumn, Value: token}).
		Where(clause.Gt{Column: expireAtColumn, Value: now})
}

// Acquire implements lock.Backend.Acquire. Expired rows of the store are
// deleted first, then all rows are inserted in one statement; any existing
// key makes the insert affect fewer rows and the transaction roll back.
func (g *GormLock) Acquire(ctx context.Context, keys []string, storeID string, ttl time.Duration) (string, error) {
	token, err := g.opts.newToken()
	if err != nil {
		return "", err
	}
	now := g.now().UTC()
	rows := make([]gormLease, len(keys))
	for i, k := range keys {
		rows[i] = gormLease{Key: k, Token: token, ExpireAt: expireAt(now, ttl)}
	}

	var expired int64
	locked, err := g.transaction(ctx, storeID, func(tx *gorm.DB) error {
		res := tx.Where(clause.Lte{Column: expireAtColumn, Value: now}).Delete(&gormLease{})
		if res.Error != nil {
			return res.Error
		}
		expired = res.RowsAffected
		res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(keys)) {
			return errLeaseConflict
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	g.opts.logger.Debug("tried to acquire lock",
		zap.Strings("keys", keys),
		zap.String("store", storeID),
		zap.String("token", token),
		zap.Int64("expired", expired),
		zap.Bool("locked", locked))
	if !locked {
		return "", nil
	}
	return token, nil
}

// Release implements lock.Backend.Release.
func (g *GormLock) Release(ctx context.Context, keys []string, storeID, token string) (bool, error) {
	now := g.now().UTC()
	var deleted int64
	released, err := g.transaction(ctx, storeID, func(tx *gorm.DB) error {
		res := ownedBy(tx, keys, token, now).Delete(&gormLease{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		if deleted != int64(len(keys)) {
			return errLeaseConflict
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if released {
		g.opts.logger.Debug("release query deleted the lease",
			zap.Strings("keys", keys), zap.String("store", storeID), zap.String("token", token))
	} else {
		g.opts.logger.Error("release query did not affect every lease",
			zap.Strings("keys", keys), zap.String("store", storeID), zap.String("token", token),
			zap.Int64("deleted", deleted))
	}
	return released, nil
}

// Refresh implements lock.Backend.Refresh.
func (g *GormLock) Refresh(ctx context.Context, keys []string, storeID, token string, ttl time.Duration) (bool, error) {
	now := g.now().UTC()
	return g.transaction(ctx, storeID, func(tx *gorm.DB) error {
		res := ownedBy(tx, keys, token, now).Update(expireAtColumn.Name, expireAt(now, ttl))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(keys)) {
			return errLeaseConflict
		}
		return nil
	})
}
