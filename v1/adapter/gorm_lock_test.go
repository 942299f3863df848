package adapter_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-dlock/v1/adapter"
	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/lock"
)

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// leaseRow mirrors the columns of a lock table.
type leaseRow struct {
	Key      string    `gorm:"column:key"`
	Token    string    `gorm:"column:token"`
	ExpireAt time.Time `gorm:"column:expireAt"`
}

// openSQLite opens a private in-memory database for the running test.
func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newGormLock(t *testing.T, opts ...adapter.GormOption) (*adapter.GormLock, *gorm.DB) {
	t.Helper()
	db := openSQLite(t)
	return adapter.NewGormLock(db, opts...), db
}

func leases(t *testing.T, db *gorm.DB, storeID string) map[string]leaseRow {
	t.Helper()
	var rows []leaseRow
	require.NoError(t, db.Table(storeID).Find(&rows).Error)
	out := make(map[string]leaseRow, len(rows))
	for _, r := range rows {
		out[r.Key] = r
	}
	return out
}

func TestGormLockScenarioA(t *testing.T) {
	clock := newTestClock()
	l, db := newGormLock(t, adapter.WithGormClock(clock.Now))
	ctx := context.Background()

	token, err := l.Acquire(ctx, []string{"k1"}, "locks", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	rows := leases(t, db, "locks")
	require.Len(t, rows, 1)
	assert.Equal(t, token, rows["k1"].Token)
	assert.True(t, rows["k1"].ExpireAt.Equal(clock.Now().Add(time.Second)))

	other, err := l.Acquire(ctx, []string{"k1"}, "locks", time.Second)
	require.NoError(t, err)
	assert.Empty(t, other)

	ok, err := l.Release(ctx, []string{"k1"}, "locks", token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, leases(t, db, "locks"))

	again, err := l.Acquire(ctx, []string{"k1"}, "locks", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, again)
	assert.NotEqual(t, token, again)
}

func TestGormLockTablePerStore(t *testing.T) {
	l, db := newGormLock(t)
	ctx := context.Background()

	a, err := l.Acquire(ctx, []string{"k"}, "orders", time.Minute)
	require.NoError(t, err)
	b, err := l.Acquire(ctx, []string{"k"}, "invoices", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)

	assert.True(t, db.Migrator().HasTable("orders"))
	assert.True(t, db.Migrator().HasTable("invoices"))
	m := db.Table("orders").Migrator()
	for _, col := range []string{"key", "token", "expireAt"} {
		assert.True(t, m.HasColumn(&leaseRow{}, col), col)
	}
}

func TestGormLockMultiKeyAllOrNothing(t *testing.T) {
	l, db := newGormLock(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, []string{"b"}, "locks", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, held)

	token, err := l.Acquire(ctx, []string{"a", "b", "c"}, "locks", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, token)

	rows := leases(t, db, "locks")
	assert.Len(t, rows, 1)
	assert.Equal(t, held, rows["b"].Token)
}

func TestGormLockScenarioC(t *testing.T) {
	l, _ := newGormLock(t)
	ctx := context.Background()

	first, err := l.Acquire(ctx, []string{"a", "b"}, "locks", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := l.Acquire(ctx, []string{"b", "c"}, "locks", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	ok, err := l.Release(ctx, []string{"a", "b"}, "locks", first)
	require.NoError(t, err)
	require.True(t, ok)

	second, err = l.Acquire(ctx, []string{"b", "c"}, "locks", time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, second)
}

func TestGormLockTokenAuthority(t *testing.T) {
	l, db := newGormLock(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, []string{"k"}, "locks", time.Minute)
	require.NoError(t, err)

	ok, err := l.Release(ctx, []string{"k"}, "locks", "not-the-token")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Refresh(ctx, []string{"k"}, "locks", "not-the-token", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, token, leases(t, db, "locks")["k"].Token)
}

func TestGormLockReleaseRequiresEveryKey(t *testing.T) {
	l, db := newGormLock(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, []string{"a"}, "locks", time.Minute)
	require.NoError(t, err)

	ok, err := l.Release(ctx, []string{"a", "b"}, "locks", token)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, leases(t, db, "locks"), "a")
}

func TestGormLockRefreshExtends(t *testing.T) {
	clock := newTestClock()
	l, db := newGormLock(t, adapter.WithGormClock(clock.Now))
	ctx := context.Background()

	token, err := l.Acquire(ctx, []string{"a", "b"}, "locks", time.Second)
	require.NoError(t, err)

	clock.Advance(800 * time.Millisecond)
	ok, err := l.Refresh(ctx, []string{"a", "b"}, "locks", token, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	want := clock.Now().Add(time.Second)
	for _, r := range leases(t, db, "locks") {
		assert.True(t, r.ExpireAt.Equal(want), r.Key)
	}

	clock.Advance(800 * time.Millisecond)
	other, err := l.Acquire(ctx, []string{"a"}, "locks", time.Second)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestGormLockRefreshRequiresEveryKey(t *testing.T) {
	clock := newTestClock()
	l, db := newGormLock(t, adapter.WithGormClock(clock.Now))
	ctx := context.Background()

	token, err := l.Acquire(ctx, []string{"a"}, "locks", time.Second)
	require.NoError(t, err)

	ok, err := l.Refresh(ctx, []string{"a", "b"}, "locks", token, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, leases(t, db, "locks")["a"].ExpireAt.Equal(clock.Now().Add(time.Second)))
}

func TestGormLockPassiveExpiry(t *testing.T) {
	clock := newTestClock()
	l, db := newGormLock(t, adapter.WithGormClock(clock.Now))
	ctx := context.Background()

	stale, err := l.Acquire(ctx, []string{"k", "gone"}, "locks", time.Second)
	require.NoError(t, err)

	clock.Advance(time.Second)
	ok, err := l.Refresh(ctx, []string{"k"}, "locks", stale, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	fresh, err := l.Acquire(ctx, []string{"k"}, "locks", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, fresh)

	rows := leases(t, db, "locks")
	assert.Len(t, rows, 1)
	assert.Equal(t, fresh, rows["k"].Token)

	ok, err = l.Release(ctx, []string{"k"}, "locks", stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGormLockMutualExclusion(t *testing.T) {
	l, _ := newGormLock(t)
	ctx := context.Background()
	var winners atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		keys := []string{"k"}
		if i%2 == 0 {
			keys = []string{"other", "k"}
		}
		g.Go(func() error {
			token, err := l.Acquire(ctx, keys, "locks", time.Minute)
			if token != "" {
				winners.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, winners.Load())
}

func TestGormLockWithoutAutoMigrate(t *testing.T) {
	l, db := newGormLock(t, adapter.WithGormAutoMigrate(false))
	ctx := context.Background()

	_, err := l.Acquire(ctx, []string{"k"}, "missing", time.Second)
	assert.Error(t, err)

	require.NoError(t, db.Table("premade").AutoMigrate(&leaseRow{}))
	token, err := l.Acquire(ctx, []string{"k"}, "premade", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestGormLockTokens(t *testing.T) {
	l, _ := newGormLock(t, adapter.WithGormTokens(func() string { return "" }))
	_, err := l.Acquire(context.Background(), []string{"a"}, "locks", time.Second)
	assert.ErrorIs(t, err, dlockerrors.ErrEmptyToken)
}

func TestGormLockCancelledContext(t *testing.T) {
	l, _ := newGormLock(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Acquire(ctx, []string{"a"}, "locks", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGormLockWithLocker(t *testing.T) {
	l, db := newGormLock(t)
	locker := lock.New(l)
	req := lock.NewRequest("job")
	req.StoreID = "jobs"

	err := locker.Run(context.Background(), req, func(ctx context.Context) error {
		assert.Contains(t, leases(t, db, "jobs"), "job")
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, leases(t, db, "jobs"))
}
