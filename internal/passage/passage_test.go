package passage

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSource struct {
	text  string
	err   error
	delay time.Duration
}

func (f *fakeSource) RandomPassage(ctx context.Context) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

func TestRandomWithoutStore(t *testing.T) {
	p := NewProvider(nil, 0, zap.NewNop())
	got := p.Random(context.Background())
	if got == "" {
		t.Fatal("expected a non-empty passage")
	}
	for _, c := range got {
		if c < 0x20 || c > 0x7e {
			t.Fatalf("static passage contains non-ASCII byte %q", c)
		}
	}
}

func TestRandomPrefersStore(t *testing.T) {
	p := NewProvider(&fakeSource{text: "stored passage"}, 0, zap.NewNop())
	if got := p.Random(context.Background()); got != "stored passage" {
		t.Errorf("expected the stored passage, got %q", got)
	}
}

func TestRandomFallsBackOnError(t *testing.T) {
	p := NewProvider(&fakeSource{err: errors.New("boom")}, 0, zap.NewNop())
	if got := p.Random(context.Background()); got == "" {
		t.Error("expected static fallback on store error")
	}
}

func TestRandomFallsBackOnEmpty(t *testing.T) {
	p := NewProvider(&fakeSource{text: ""}, 0, zap.NewNop())
	if got := p.Random(context.Background()); got == "" {
		t.Error("expected static fallback when the store is empty")
	}
}

func TestRandomRespectsDeadline(t *testing.T) {
	p := NewProvider(&fakeSource{text: "slow", delay: 2 * time.Second}, 50*time.Millisecond, zap.NewNop())
	start := time.Now()
	got := p.Random(context.Background())
	if got == "" {
		t.Fatal("expected static fallback from a slow store")
	}
	if got == "slow" {
		t.Fatal("slow store answer should have been abandoned")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("provider blocked %v, deadline was 50ms", elapsed)
	}
}
