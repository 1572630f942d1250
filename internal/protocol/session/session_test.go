package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		2 * time.Second,
	}
	b := NewBackoff(cfg, nil)
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt%d got=%v want=%v", i+1, got, w)
		}
	}
	if b.Attempt() != len(want) {
		t.Fatalf("unexpected attempt count %d", b.Attempt())
	}
	b.Reset()
	if got := b.Next(); got != 250*time.Millisecond {
		t.Fatalf("after reset got=%v", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{RequestTimeout: time.Second}.WithDefaults()
	if cfg.RequestTimeout != time.Second {
		t.Fatalf("explicit value overwritten: %v", cfg.RequestTimeout)
	}
	if cfg.ConnectTimeout != DefaultConfig().ConnectTimeout || cfg.Backoff.MaxDelay != 2*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := Sleep(ctx, 5*time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("sleep ignored the deadline")
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}

func TestSleepClippedToDeadlineReportsIt(t *testing.T) {
	testlog.Start(t)
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		err := Sleep(ctx, time.Second)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("run %d: expected deadline exceeded, got %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Sleep(ctx, time.Millisecond); err != nil {
		t.Fatalf("unclipped sleep inside a deadline: %v", err)
	}
}

func TestPendingConcurrentResolve(t *testing.T) {
	testlog.Start(t)
	p := NewPending()
	const callers = 32

	type call struct {
		id uint64
		ch <-chan protocol.Response
	}
	calls := make([]call, 0, callers)
	for i := 0; i < callers; i++ {
		id, ch, err := p.Register()
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		calls = append(calls, call{id: id, ch: ch})
	}
	if got := len(p.IDs()); got != callers {
		t.Fatalf("expected %d pending, got %d", callers, got)
	}

	var wg sync.WaitGroup
	for i := len(calls) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if !p.Resolve(protocol.Response{ID: id, Type: protocol.TypePong}) {
				t.Errorf("resolve %d failed", id)
			}
		}(calls[i].id)
	}
	wg.Wait()
	for _, c := range calls {
		resp := <-c.ch
		if resp.ID != c.id {
			t.Fatalf("response routed to wrong caller: got %d want %d", resp.ID, c.id)
		}
	}
	if p.Resolve(protocol.Response{ID: 999, Type: protocol.TypePong}) {
		t.Fatalf("unknown id must not resolve")
	}
}

func TestPendingCloseFailsWaiters(t *testing.T) {
	testlog.Start(t)
	p := NewPending()
	id, ch, err := p.Register()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, cancelled, _ := p.Register()
	p.Cancel(id + 1)
	cause := errors.New("read failed")
	p.Close(cause)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	select {
	case <-cancelled:
		t.Fatalf("cancelled call must not be closed twice or resolved")
	default:
	}
	if !errors.Is(p.Err(), cause) {
		t.Fatalf("unexpected close cause: %v", p.Err())
	}
	if _, _, err := p.Register(); !errors.Is(err, cause) {
		t.Fatalf("register after close: %v", err)
	}
	if p.Resolve(protocol.Response{ID: id}) {
		t.Fatalf("resolve after close must fail")
	}
}
