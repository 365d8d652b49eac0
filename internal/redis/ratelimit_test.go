package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, func()) {
	t.Helper()
	client, _, cleanup := setupTestRedis(t)

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})

	return limiter, cleanup
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 5, time.Hour)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "ip:10.0.0.1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 3, time.Hour)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, _ := limiter.Allow(ctx, "ip:10.0.0.1")
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
	if !result.ResetAt.After(time.Now()) {
		t.Error("reset time should be in the future")
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 2, time.Hour)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, "ip:a")
	}

	result, _ := limiter.Allow(ctx, "ip:b")
	if !result.Allowed {
		t.Fatal("ip:b should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", result.Remaining)
	}
}

func TestRateLimiter_RejectedBatchIsNotCounted(t *testing.T) {
	limiter, cleanup := setupTestRateLimiter(t, 10, time.Hour)
	defer cleanup()

	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "ip:a", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || result.Remaining != 5 {
		t.Fatalf("expected allowed with 5 remaining, got %+v", result)
	}

	if result, _ = limiter.AllowN(ctx, "ip:a", 6); result.Allowed {
		t.Fatal("batch of 6 should be blocked")
	}

	if result, _ = limiter.AllowN(ctx, "ip:a", 5); !result.Allowed {
		t.Fatal("batch of 5 should still fit after the rejected batch")
	}
}
