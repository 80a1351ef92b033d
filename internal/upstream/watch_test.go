package upstream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/bunsync/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsync/internal/logger"
)

type countingVersioner struct {
	*MemoryReplica
	polls atomic.Int32
}

func (c *countingVersioner) Version(ctx context.Context) (string, error) {
	defer c.polls.Add(1)
	return c.MemoryReplica.Version(ctx)
}

func TestWatchPublishesAdvances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The replica itself publishes nothing; only Watch does.
	r := newReplica(t, nil)
	v := &countingVersioner{MemoryReplica: r}
	b := broker.New[Notification](8)
	got := make(chan Notification, 8)
	sub := b.Subscribe(Topic, broker.SubscriberFunc[Notification](func(m *broker.Message[Notification]) {
		got <- m.Payload
	}))
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		Watch(ctx, logger.Discard(), v, b, time.Millisecond)
		close(done)
	}()

	for v.polls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	seed(t, r)

	select {
	case n := <-got:
		if n.Version != "01" || len(n.Tables) != 0 {
			t.Errorf("Unexpected notification %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for notification")
	}

	cancel()
	<-done
}
