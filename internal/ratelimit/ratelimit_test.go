package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func TestAllow_NoStoreFailsOpen(t *testing.T) {
	gate := NewGate(nil, zap.NewNop())

	for i := 0; i < 20; i++ {
		res := gate.Allow(context.Background(), "user-1", BucketOrders)
		if !res.Allowed {
			t.Fatalf("request %d rejected by unconfigured gate", i)
		}
		if !res.Degraded {
			t.Fatalf("request %d not marked degraded", i)
		}
	}
}

func TestAllow_UnreachableStoreFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	})
	defer client.Close()

	gate := NewGate(client, zap.NewNop())

	res := gate.Allow(context.Background(), "user-1", BucketOrders)
	if !res.Allowed {
		t.Fatalf("request rejected due to gate infrastructure failure")
	}
	if !res.Degraded {
		t.Fatalf("degraded flag not set for unreachable store")
	}
}

func TestAllow_DegradedResultShape(t *testing.T) {
	gate := NewGate(nil, zap.NewNop())

	before := time.Now()
	res := gate.Allow(context.Background(), "user-1", BucketGeneration)

	if res.Remaining != BucketGeneration.Limit {
		t.Fatalf("remaining = %d, want %d", res.Remaining, BucketGeneration.Limit)
	}
	if res.ResetAt.Before(before) {
		t.Fatalf("resetAt in the past: %v", res.ResetAt)
	}
}

func TestBuckets(t *testing.T) {
	if BucketOrders.Limit != 10 || BucketOrders.Window != time.Minute {
		t.Fatalf("unexpected orders bucket: %+v", BucketOrders)
	}
	if BucketGeneration.Limit != 20 || BucketGeneration.Window != time.Minute {
		t.Fatalf("unexpected generation bucket: %+v", BucketGeneration)
	}
}
