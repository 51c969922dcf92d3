// Package workerpool provides a fixed-size goroutine pool with panic recovery,
// bounded queueing and graceful shutdown.
//
// Tasks may be submitted one at a time with Submit, or as a batch with Run,
// which blocks until every task of the batch has finished and returns the
// first error. Run is safe to call concurrently from independent callers
// sharing one pool:
//
//	pool, err := workerpool.NewWorkerPool(workerpool.Config{
//	    Workers:         4,
//	    QueueSize:       64,
//	    ShutdownTimeout: 5 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Stop()
//
//	err = pool.Run(ctx, []func(context.Context) error{shardA, shardB})
package workerpool
