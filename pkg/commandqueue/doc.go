// Package commandqueue runs fire-and-forget tasks on a bounded set of lanes.
//
// Invariants:
// - Each lane runs at most its limit of tasks at once; the rest wait in FIFO order.
// - Each lane holds at most MaxQueued waiting tasks; Submit fails with ErrQueueFull beyond that.
// - Submit never waits for the task; failures and panics are logged and reported as
//   EventCompleted with Err set, never returned.
// - A task submitted with a key runs at most once while the key is remembered.
// - Close drops waiting tasks and cancels the context of running ones.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Workers: 4, MaxQueued: 256})
//	defer queue.Close()
//	queue.On(commandqueue.EventCompleted, func(e commandqueue.Event) {
//		if e.Err != nil {
//			failures.Add(1)
//		}
//	})
//	_, err := queue.Submit(ctx, "async", func(ctx context.Context) error {
//		return nil
//	}, &commandqueue.TaskOptions{Key: requestID})
package commandqueue
