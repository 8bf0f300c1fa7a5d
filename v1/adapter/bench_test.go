package adapter

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

// benchmarkAdd measures Add on a single hot key.
func benchmarkAdd(b *testing.B, s Store) {
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Add(ctx, "hot", 1, 0); err != nil {
			b.Fatalf("add failed: %v", err)
		}
	}
}

// benchmarkLockCycle measures a SetIfAbsent and DeleteIfMatch pair.
func benchmarkLockCycle(b *testing.B, s Store) {
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		token := strconv.Itoa(i)
		if ok, err := s.SetIfAbsent(ctx, "lock", token, time.Minute); err != nil || !ok {
			b.Fatalf("set if absent: %v %v", ok, err)
		}
		if ok, err := s.DeleteIfMatch(ctx, "lock", token); err != nil || !ok {
			b.Fatalf("delete if match: %v %v", ok, err)
		}
	}
}

func BenchmarkInMemoryAdd(b *testing.B) {
	benchmarkAdd(b, NewInMemoryStore())
}

func BenchmarkInMemoryAddParallel(b *testing.B) {
	s := NewInMemoryStore()
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := s.Add(ctx, "hot", 1, 0); err != nil {
				b.Fatalf("add failed: %v", err)
			}
		}
	})
}

func BenchmarkInMemoryLockCycle(b *testing.B) {
	benchmarkLockCycle(b, NewInMemoryStore())
}

func BenchmarkRedisAdd(b *testing.B) {
	mr := miniredis.RunT(b)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	benchmarkAdd(b, NewRedisStore(client))
}

func BenchmarkRedisLockCycle(b *testing.B) {
	mr := miniredis.RunT(b)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	benchmarkLockCycle(b, NewRedisStore(client))
}

func BenchmarkSQLiteAdd(b *testing.B) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer s.Close()
	benchmarkAdd(b, s)
}
