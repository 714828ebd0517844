package realtime

import (
	"testing"
	"time"
)

func TestTokenBucketAllowsBurstUpToCapacity(t *testing.T) {
	tb := NewTokenBucket(5, 1)
	for i := 0; i < 5; i++ {
		if !tb.Allow() {
			t.Fatalf("allowance %d within capacity was denied", i+1)
		}
	}
	if tb.Allow() {
		t.Fatal("allowance beyond capacity was granted")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(1, 100)
	if !tb.Allow() {
		t.Fatal("first allowance denied")
	}
	if tb.Allow() {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(30 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("bucket did not refill")
	}
}
