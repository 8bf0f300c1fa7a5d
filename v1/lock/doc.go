// Package lock implements a distributed mutual exclusion lock on top of an
// adapter.Store.
//
// A lock is a single store key that exists only while the lock is held. It
// is created with set-if-absent carrying a random owner token and a TTL, and
// removed with a delete that only succeeds while the token still matches.
// The TTL bounds how long a crashed holder can block everyone else; a holder
// that stalls past its TTL may overlap with the next one, so critical
// sections should stay well below it.
//
// Waiters poll at the retry interval and give up with errors.ErrLockTimeout
// once the timeout elapses. When a syncbus.Bus is configured, a release
// publishes on "unlock:<key>" and wakes waiters early. Ordering among
// waiters is not defined.
//
//	l := lock.New(store, "tally:order:42:checkout", lock.WithTimeout(2*time.Second))
//	err := l.Do(ctx, func(ctx context.Context) error {
//		return checkout(ctx, order)
//	})
package lock
