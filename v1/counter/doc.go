// Package counter provides atomic counters stored in a shared backing store
// and the conditional gate built on top of them.
//
// Every mutation is a single add-and-return round trip, so concurrent
// callers in any number of processes never lose an update. Only the value
// returned by Increment, Decrement or a gate is safe to branch on; Value is
// a plain read.
//
// DecrementIf decrements first and checks afterwards. A caller that loses
// the race sees a value below the floor, rolls its decrement back and skips
// its action. The counter therefore dips transiently below its floor while
// losers compensate. When the value is also shown to users, keep a second,
// increment-only counter that is bumped from inside the gate action:
//
//	tickets := registry.Counter("event", "tickets_left", id)
//	sold := registry.Counter("event", "tickets_sold", id)
//	ok, err := tickets.Take(ctx, 1, func(ctx context.Context, left int64) error {
//		_, err := sold.Increment(ctx, 1)
//		return err
//	})
package counter
