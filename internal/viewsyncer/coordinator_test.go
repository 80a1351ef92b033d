package viewsyncer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCoordinatorFlushesOncePerInterval(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var flushed [][]int
	c := NewCoordinator(time.Second, func(_ context.Context, items []int) error {
		flushed = append(flushed, items)
		return nil
	})
	c.now = clock.Now

	c.Add(1, 2)
	if ok, err := c.FlushIfDue(ctx); err != nil || !ok {
		t.Fatalf("Expected first flush, got %v %v", ok, err)
	}
	c.Add(3)
	if ok, _ := c.FlushIfDue(ctx); ok {
		t.Fatal("Expected no flush inside the interval")
	}
	if c.Pending() != 1 {
		t.Fatalf("Expected 1 pending item, got %d", c.Pending())
	}
	clock.Advance(time.Second)
	if ok, _ := c.FlushIfDue(ctx); !ok {
		t.Fatal("Expected flush after the interval")
	}
	want := [][]int{{1, 2}, {3}}
	if !slices.EqualFunc(flushed, want, slices.Equal[[]int]) {
		t.Errorf("Expected %v, got %v", want, flushed)
	}
}

func TestCoordinatorBatonIsExclusive(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var flushed [][]string
	c := NewCoordinator(0, func(_ context.Context, items []string) error {
		mu.Lock()
		first := len(flushed) == 0
		flushed = append(flushed, items)
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		return nil
	})

	c.Add("a")
	done := make(chan bool)
	go func() {
		ok, _ := c.FlushIfDue(ctx)
		done <- ok
	}()
	<-entered

	c.Add("b")
	if ok, _ := c.FlushIfDue(ctx); ok {
		t.Fatal("Expected concurrent caller to leave the flush to the baton holder")
	}
	if c.Pending() != 1 {
		t.Fatalf("Expected b to wait for the next holder, got %d pending", c.Pending())
	}

	close(release)
	if ok := <-done; !ok {
		t.Fatal("Expected baton holder to report its flush")
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := [][]string{{"a"}, {"b"}}
	if !slices.EqualFunc(flushed, want, slices.Equal[[]string]) {
		t.Errorf("Expected %v, got %v", want, flushed)
	}
}

func TestCoordinatorRequeuesOnError(t *testing.T) {
	ctx := context.Background()
	fail := true
	var got []int
	c := NewCoordinator(0, func(_ context.Context, items []int) error {
		if fail {
			return errors.New("boom")
		}
		got = append(got, items...)
		return nil
	})

	c.Add(1)
	if err := c.Flush(ctx); err == nil {
		t.Fatal("Expected flush error")
	}
	c.Add(2)
	fail = false
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
	if !slices.Equal(got, []int{1, 2}) {
		t.Errorf("Expected requeued items first, got %v", got)
	}
}

func TestCoalescePokesKeepsFirstBaseAndLastCookie(t *testing.T) {
	v1 := mustVersion(t, "01")
	pokes := []Poke{
		{ClientID: "c1", BaseCookie: &v1, Cookie: mustVersion(t, "02")},
		{ClientID: "c2", Cookie: mustVersion(t, "02")},
		{ClientID: "c1", BaseCookie: ptr(mustVersion(t, "02")), Cookie: mustVersion(t, "03")},
	}
	got := coalescePokes(pokes)
	if len(got) != 2 {
		t.Fatalf("Expected 2 pokes, got %d", len(got))
	}
	if got[0].ClientID != "c1" || got[0].BaseCookie.String() != "01" || got[0].Cookie.String() != "03" {
		t.Errorf("Unexpected merged poke %+v", got[0])
	}
}

func ptr[T any](v T) *T { return &v }
