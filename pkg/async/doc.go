// Package async runs background jobs on a bounded worker pool.
//
//	pool := async.NewPool(ctx, "provisioning", 4, 64, time.Minute)
//	defer pool.Shutdown(10 * time.Second)
//
//	if err := pool.Submit(func(ctx context.Context) error {
//		return seeder.Seed(ctx)
//	}); errors.Is(err, async.ErrQueueFull) {
//		// retry later
//	}
//
// Jobs get a per-job timeout and panic recovery. Failures are logged and
// reported to the optional done hook.
package async
