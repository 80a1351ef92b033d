package viewsyncer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
	"github.com/kartikbazzad/bunbase/bunsync/internal/cvr"
	"github.com/kartikbazzad/bunbase/bunsync/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
	"github.com/kartikbazzad/bunbase/bunsync/internal/upstream"
)

// panickySnapshot panics on Version while armed.
type panickySnapshot struct {
	*upstream.MemoryReplica
	armed atomic.Bool
}

func (p *panickySnapshot) Version(ctx context.Context) (cvr.LexiVersion, error) {
	if p.armed.Load() {
		panic("replica exploded")
	}
	return p.MemoryReplica.Version(ctx)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServicePanicIsolatesClientGroup(t *testing.T) {
	snap := &panickySnapshot{MemoryReplica: newReplica(t, nil)}
	svc, err := NewService(ServiceOptions{
		Storage:       storage.NewMemoryStorage(),
		Snapshotter:   snap,
		Logger:        logger.Discard(),
		FlushInterval: time.Millisecond,
		Workers:       4,
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	defer svc.Stop()

	snap.armed.Store(true)
	if _, err := svc.ViewSyncer("bad"); err != nil {
		t.Fatalf("Failed to start syncer: %v", err)
	}
	waitFor(t, "panicked syncer to be dropped", func() bool {
		_, ok := svc.Lookup("bad")
		return !ok
	})

	snap.armed.Store(false)
	good, err := svc.ViewSyncer("good")
	if err != nil {
		t.Fatalf("Failed to start syncer: %v", err)
	}
	q := openIssues()
	if _, err := good.ChangeDesiredQueries(context.Background(), "c1", map[string]ast.AST{cvr.QueryID(q): q}, nil); err != nil {
		t.Fatalf("Expected healthy group to keep working: %v", err)
	}
	if _, ok := svc.Lookup("good"); !ok {
		t.Error("Expected good syncer to be running")
	}
	same, _ := svc.ViewSyncer("good")
	if same != good {
		t.Error("Expected registry to return the running syncer")
	}
}

func TestServiceStop(t *testing.T) {
	svc, err := NewService(ServiceOptions{
		Storage:     storage.NewMemoryStorage(),
		Snapshotter: newReplica(t, nil),
		Logger:      logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := svc.ViewSyncer(id); err != nil {
			t.Fatalf("Failed to start %s: %v", id, err)
		}
	}
	if got := svc.ClientGroups(); len(got) != 2 {
		t.Errorf("Expected 2 client groups, got %v", got)
	}

	svc.Stop()
	if got := svc.ClientGroups(); len(got) != 0 {
		t.Errorf("Expected syncers to exit on stop, got %v", got)
	}
	if _, err := svc.ViewSyncer("c"); err == nil {
		t.Error("Expected stopped service to refuse new syncers")
	}
	svc.Stop()
}
