package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/sync/errgroup"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
	"github.com/mirkobrombin/go-dlock/v1/lock"
	"github.com/mirkobrombin/go-dlock/v1/presets"
)

var (
	concurrency = flag.Int("c", 16, "Number of concurrent clients")
	requests    = flag.Int("n", 2000, "Total number of protected operations")
	addr        = flag.String("addr", "localhost:6379", "Redis address")
	embedded    = flag.Bool("embedded", false, "Run against an embedded miniredis instead of -addr")
	keys        = flag.Int("keys", 1, "Number of keys locked by every operation")
	hold        = flag.Duration("hold", 0, "Time spent inside the critical section")
	timeout     = flag.Duration("timeout", time.Second, "Acquire timeout")
	retry       = flag.Duration("retry", 5*time.Millisecond, "Retry interval")
	verbose     = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Parse()

	target := *addr
	if *embedded {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("miniredis: %v", err)
		}
		defer mr.Close()
		target = mr.Addr()
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger, err := presets.NewLogger(presets.LogOptions{Level: level})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	backend, client := presets.NewRedisLock(presets.RedisOptions{Addr: target}, logger)
	defer func() { _ = client.Close() }()
	locker := lock.New(backend, lock.WithLogger(logger))

	lockKeys := make([]string, *keys)
	for i := range lockKeys {
		lockKeys[i] = fmt.Sprintf("k%d", i)
	}
	req := lock.NewRequest(lockKeys...)
	req.StoreID = "bench"
	req.AcquireTimeout = *timeout
	req.RetryInterval = *retry

	log.Printf("Starting lock benchmark: %d operations, %d concurrency, %d keys, redis %s", *requests, *concurrency, *keys, target)

	var (
		inside      atomic.Int32
		violations  atomic.Int64
		acquired    atomic.Int64
		unavailable atomic.Int64
	)
	perWorker := *requests / *concurrency

	ctx := context.Background()
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				err := locker.Run(gctx, req, func(ctx context.Context) error {
					if inside.Add(1) > 1 {
						violations.Add(1)
					}
					if *hold > 0 {
						time.Sleep(*hold)
					}
					inside.Add(-1)
					return nil
				})
				switch {
				case err == nil:
					acquired.Add(1)
				case errors.Is(err, dlockerrors.ErrLockNotAvailable):
					unavailable.Add(1)
				default:
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark aborted: %v", err)
	}
	elapsed := time.Since(start)

	total := acquired.Load() + unavailable.Load()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f ops/s", float64(total)/elapsed.Seconds())
	log.Printf("Acquired: %d, unavailable: %d", acquired.Load(), unavailable.Load())
	if v := violations.Load(); v > 0 {
		log.Fatalf("Mutual exclusion violated %d times", v)
	}
	log.Printf("No mutual exclusion violations")
}
