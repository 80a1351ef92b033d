package viewsyncer

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
	"github.com/kartikbazzad/bunbase/bunsync/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsync/internal/cvr"
	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsync/internal/ivm"
	"github.com/kartikbazzad/bunbase/bunsync/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
	"github.com/kartikbazzad/bunbase/bunsync/internal/upstream"
)

func mustVersion(t *testing.T, s string) cvr.Version {
	t.Helper()
	v, err := cvr.VersionFromString(s)
	if err != nil {
		t.Fatalf("Bad version %q: %v", s, err)
	}
	return v
}

func issue(id, status string) upstream.RowChange {
	return upstream.RowChange{
		Table: "issue",
		Op:    upstream.OpPut,
		Row:   map[string]any{"id": id, "title": "issue " + id, "status": status},
	}
}

func newReplica(t *testing.T, b *broker.Broker[Notification]) *upstream.MemoryReplica {
	t.Helper()
	r := upstream.NewMemoryReplica(logger.Discard(), b)
	r.CreateTable("issue", map[string]ivm.ValueType{
		"id":     ivm.TypeString,
		"title":  ivm.TypeString,
		"status": ivm.TypeString,
	}, []string{"id"})
	if _, err := r.Apply("", []upstream.RowChange{issue("i1", "open"), issue("i2", "open"), issue("i3", "closed")}); err != nil {
		t.Fatalf("Failed to seed replica: %v", err)
	}
	return r
}

func openIssues() ast.AST {
	return ast.AST{
		Table:   "issue",
		Where:   &ast.Condition{Type: ast.CondSimple, Field: "status", Op: "=", Value: "open"},
		OrderBy: []ast.OrderPart{{Field: "id", Direction: ast.Asc}},
	}
}

func newSyncer(t *testing.T, s storage.DurableStorage, snap Snapshotter) *ViewSyncer {
	t.Helper()
	return New(Options{
		ClientGroupID: "cg1",
		Storage:       s,
		Snapshotter:   snap,
		Logger:        logger.Discard(),
		FlushInterval: time.Millisecond,
		MaxRetries:    3,
		Now:           func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
}

// describe renders a patch as "type op id @version".
func describe(p cvr.PatchToVersion, names map[string]string) string {
	if p.Patch.Type == cvr.PatchRow {
		return fmt.Sprintf("row %s %v @%s", p.Patch.Op, p.Patch.RowID.RowKey["id"], p.ToVersion)
	}
	id := p.Patch.ID
	if n, ok := names[id]; ok {
		id = n
	}
	if p.Patch.ClientID != "" {
		id += "(" + p.Patch.ClientID + ")"
	}
	return fmt.Sprintf("%s %s %s @%s", p.Patch.Type, p.Patch.Op, id, p.ToVersion)
}

func describeAll(patches []cvr.PatchToVersion, names map[string]string) []string {
	out := make([]string, len(patches))
	for i, p := range patches {
		out[i] = describe(p, names)
	}
	return out
}

func TestViewSyncerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStorage()
	r := newReplica(t, nil)
	vs := newSyncer(t, s, r)
	q := openIssues()
	qid := cvr.QueryID(q)
	names := map[string]string{qid: "q"}

	// Hydrate: the desire bumps the minor version, the replica being at 01
	// moves the CVR to 01.
	patches, err := vs.ChangeDesiredQueries(ctx, "c1", map[string]ast.AST{qid: q}, nil)
	if err != nil {
		t.Fatalf("Failed to change desired queries: %v", err)
	}
	want := []string{
		"client put c1 @00:01",
		"query put q(c1) @00:01",
		"query put q @01",
		"row put i1 @01",
		"row put i2 @01",
	}
	if got := describeAll(patches, names); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for _, p := range patches {
		if p.Patch.Type == cvr.PatchQuery && p.Patch.Op == cvr.OpPut && p.Patch.AST == nil {
			t.Errorf("Expected query put to carry the AST: %s", describe(p, names))
		}
		if p.Patch.Type == cvr.PatchRow && p.Patch.Contents["title"] == nil {
			t.Errorf("Expected row contents, got %v", p.Patch.Contents)
		}
	}

	var pokes []Poke
	unsubscribe := vs.Subscribe("c1", func(p Poke) { pokes = append(pokes, p) })
	defer unsubscribe()

	// i2 closes and i4 opens at 02.
	if _, err := r.Apply("02", []upstream.RowChange{issue("i2", "closed"), issue("i4", "open")}); err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	patches, err = vs.ProcessNotification(ctx, Notification{Version: "02", Tables: []string{"issue"}})
	if err != nil {
		t.Fatalf("Failed to process notification: %v", err)
	}
	want = []string{"row merge i1 @01", "row put i4 @02", "row del i2 @02"}
	if got := describeAll(patches, names); !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	if err := vs.FlushPokes(ctx); err != nil {
		t.Fatalf("Failed to flush pokes: %v", err)
	}
	if len(pokes) != 1 {
		t.Fatalf("Expected 1 poke, got %d", len(pokes))
	}
	if pokes[0].BaseCookie.String() != "01" || pokes[0].Cookie.String() != "02" {
		t.Errorf("Expected poke 01 -> 02, got %v -> %v", pokes[0].BaseCookie, pokes[0].Cookie)
	}
	want = []string{"row put i4 @02", "row del i2 @02"}
	if got := describeAll(pokes[0].Patches, names); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected poke patches %v, got %v", want, got)
	}

	// Redelivery is a no-op.
	for _, v := range []string{"02", "01"} {
		_, err := vs.ProcessNotification(ctx, Notification{Version: v})
		if !errors.Is(err, errors.ErrStaleNotification) {
			t.Errorf("Expected stale notification for %s, got %v", v, err)
		}
	}

	// A client that saw 01 catches up with what changed since.
	from := mustVersion(t, "01")
	patches, cookie, err := vs.Catchup(ctx, "c1", &from)
	if err != nil {
		t.Fatalf("Failed to catch up: %v", err)
	}
	if cookie.String() != "02" {
		t.Errorf("Expected cookie 02, got %s", cookie)
	}
	got := describeAll(patches, names)
	slices.Sort(got)
	want = []string{"row constrain i4 @02", "row del i2 @02", "row merge i4 @02"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	// Dropping the only desire removes the query and its rows.
	patches, err = vs.ChangeDesiredQueries(ctx, "c1", nil, []string{qid})
	if err != nil {
		t.Fatalf("Failed to delete desired query: %v", err)
	}
	got = describeAll(patches, names)
	slices.Sort(got)
	want = []string{"query del q @02:02", "query del q(c1) @02:01", "row del i1 @02:02", "row del i4 @02:02"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	loaded, err := cvr.LoadCVR(ctx, logger.Discard(), s, "cg1")
	if err != nil {
		t.Fatalf("Failed to reload cvr: %v", err)
	}
	if loaded.Version.String() != "02:02" {
		t.Errorf("Expected persisted version 02:02, got %s", loaded.Version)
	}
	if _, ok := loaded.Queries[qid]; ok {
		t.Error("Expected query to be removed")
	}
	if len(loaded.Clients["c1"].DesiredQueryIDs) != 0 {
		t.Errorf("Expected no desired queries, got %v", loaded.Clients["c1"].DesiredQueryIDs)
	}
}

func TestCatchupOrdersMetaBeforeData(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, nil)
	vs := newSyncer(t, storage.NewMemoryStorage(), r)
	q := openIssues()
	qid := cvr.QueryID(q)

	if _, err := vs.ChangeDesiredQueries(ctx, "c1", map[string]ast.AST{qid: q}, nil); err != nil {
		t.Fatalf("Failed to change desired queries: %v", err)
	}
	if _, err := r.Apply("", []upstream.RowChange{issue("i5", "open")}); err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	if _, err := vs.ProcessNotification(ctx, Notification{Version: "02"}); err != nil {
		t.Fatalf("Failed to process notification: %v", err)
	}

	patches, _, err := vs.Catchup(ctx, "c2", nil)
	if err != nil {
		t.Fatalf("Failed to catch up: %v", err)
	}
	if len(patches) == 0 {
		t.Fatal("Expected patches for a new client")
	}
	for i := 1; i < len(patches); i++ {
		prev, cur := patches[i-1], patches[i]
		c := cvr.CmpVersions(&prev.ToVersion, &cur.ToVersion)
		if c > 0 {
			t.Fatalf("Patches out of version order at %d: %s then %s", i, prev.ToVersion, cur.ToVersion)
		}
		if c == 0 && prev.Patch.Type == cvr.PatchRow && cur.Patch.Type != cvr.PatchRow {
			t.Fatalf("Config patch after row patch at %s", cur.ToVersion)
		}
	}
	for _, p := range patches {
		if p.Patch.ClientID != "" && p.Patch.ClientID != "c2" {
			t.Errorf("Leaked desired patch of another client: %+v", p.Patch)
		}
	}
	rows := map[any]bool{}
	for _, p := range patches {
		if p.Patch.Type == cvr.PatchRow && p.Patch.Op == cvr.OpMerge {
			rows[p.Patch.RowID.RowKey["id"]] = true
		}
	}
	if !reflect.DeepEqual(rows, map[any]bool{"i1": true, "i2": true, "i5": true}) {
		t.Errorf("Expected every visible row, got %v", rows)
	}
}

func TestCatchupRejectsCookieFromTheFuture(t *testing.T) {
	vs := newSyncer(t, storage.NewMemoryStorage(), newReplica(t, nil))
	future := mustVersion(t, "09")
	if _, _, err := vs.Catchup(context.Background(), "c1", &future); !errors.Is(err, errors.ErrInvalidVersion) {
		t.Fatalf("Expected invalid version, got %v", err)
	}
}

// movingSnapshot reports a stale read version for the first executions.
type movingSnapshot struct {
	*upstream.MemoryReplica
	skews atomic.Int32
}

func (m *movingSnapshot) Execute(ctx context.Context, q ast.AST) ([]upstream.QueryRow, cvr.LexiVersion, error) {
	rows, v, err := m.MemoryReplica.Execute(ctx, q)
	if m.skews.Add(-1) >= 0 {
		return rows, "ff", err
	}
	return rows, v, err
}

func TestReconcileRetriesWhenReplicaMoves(t *testing.T) {
	ctx := context.Background()
	snap := &movingSnapshot{MemoryReplica: newReplica(t, nil)}
	snap.skews.Store(2)
	s := storage.NewMemoryStorage()
	vs := newSyncer(t, s, snap)
	q := openIssues()

	if _, err := vs.ChangeDesiredQueries(ctx, "c1", map[string]ast.AST{cvr.QueryID(q): q}, nil); err != nil {
		t.Fatalf("Expected retries to absorb the moving replica: %v", err)
	}
	c, err := vs.CVR(ctx)
	if err != nil {
		t.Fatalf("Failed to read cvr: %v", err)
	}
	if c.Version.String() != "01" {
		t.Errorf("Expected version 01, got %s", c.Version)
	}
	rows := 0
	for _, err := range cvr.NewStore(logger.Discard(), s, "cg1").AllRowRecords(ctx) {
		if err != nil {
			t.Fatalf("Failed to scan rows: %v", err)
		}
		rows++
	}
	if rows != 2 {
		t.Errorf("Expected 2 row records after retries, got %d", rows)
	}
}

type failingSnapshot struct {
	*upstream.MemoryReplica
}

func (failingSnapshot) Execute(context.Context, ast.AST) ([]upstream.QueryRow, cvr.LexiVersion, error) {
	return nil, "", errors.ErrUnsupportedQuery
}

func TestFailedReconcileKeepsCommittedVersion(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, nil)
	s := storage.NewMemoryStorage()
	good := newSyncer(t, s, r)
	q := openIssues()
	if _, err := good.ChangeDesiredQueries(ctx, "c1", map[string]ast.AST{cvr.QueryID(q): q}, nil); err != nil {
		t.Fatalf("Failed to change desired queries: %v", err)
	}
	if _, err := r.Apply("", []upstream.RowChange{issue("i9", "open")}); err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}

	bad := newSyncer(t, s, failingSnapshot{r})
	if _, err := bad.ProcessNotification(ctx, Notification{Version: "02"}); !errors.Is(err, errors.ErrUnsupportedQuery) {
		t.Fatalf("Expected unsupported query, got %v", err)
	}
	c, err := bad.CVR(ctx)
	if err != nil {
		t.Fatalf("Failed to read cvr: %v", err)
	}
	if c.Version.String() != "01" {
		t.Errorf("Expected cvr to stay at 01, got %s", c.Version)
	}
	loaded, err := cvr.LoadCVR(ctx, logger.Discard(), s, "cg1")
	if err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	if loaded.Version.String() != "01" {
		t.Errorf("Expected stored cvr at 01, got %s", loaded.Version)
	}

	// The same storage recovers once execution works again.
	if _, err := newSyncer(t, s, r).ProcessNotification(ctx, Notification{Version: "02"}); err != nil {
		t.Fatalf("Failed to process after recovery: %v", err)
	}
}

// flakyStorage fails the first flushes with a transient error.
type flakyStorage struct {
	*storage.MemoryStorage
	failures atomic.Int32
}

func (f *flakyStorage) Flush(ctx context.Context) error {
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("disk busy: %w", errors.ErrTransient)
	}
	return f.MemoryStorage.Flush(ctx)
}

func TestConfigFlushIsRetried(t *testing.T) {
	ctx := context.Background()
	s := &flakyStorage{MemoryStorage: storage.NewMemoryStorage()}
	s.failures.Store(1)
	vs := newSyncer(t, s, newReplica(t, nil))
	q := openIssues()
	qid := cvr.QueryID(q)

	if _, err := vs.ChangeDesiredQueries(ctx, "c1", map[string]ast.AST{qid: q}, nil); err != nil {
		t.Fatalf("Expected transient flush failure to be retried: %v", err)
	}
	loaded, err := cvr.LoadCVR(ctx, logger.Discard(), s, "cg1")
	if err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	if _, ok := loaded.Queries[qid].DesiredBy["c1"]; !ok {
		t.Errorf("Expected c1 to desire %s", qid)
	}
}

func TestRunFollowsBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := broker.New[Notification](16)
	r := newReplica(t, b)
	vs := New(Options{
		ClientGroupID: "cg1",
		Storage:       storage.NewMemoryStorage(),
		Snapshotter:   r,
		Broker:        b,
		Logger:        logger.Discard(),
		FlushInterval: time.Millisecond,
	})
	q := openIssues()
	if _, err := vs.ChangeDesiredQueries(ctx, "c1", map[string]ast.AST{cvr.QueryID(q): q}, nil); err != nil {
		t.Fatalf("Failed to change desired queries: %v", err)
	}
	pokes := make(chan Poke, 8)
	defer vs.Subscribe("c1", func(p Poke) { pokes <- p })()

	done := make(chan error, 1)
	go func() { done <- vs.Run(ctx) }()

	if _, err := r.Apply("", []upstream.RowChange{issue("i7", "open")}); err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	select {
	case p := <-pokes:
		if p.Cookie.String() != "02" {
			t.Errorf("Expected poke to 02, got %s", p.Cookie)
		}
		if got := describeAll(p.Patches, nil); !slices.Contains(got, "row put i7 @02") {
			t.Errorf("Expected i7 in poke, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for poke")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestQueryWithUnlikeKindsMatchesNothing(t *testing.T) {
	ctx := context.Background()
	vs := newSyncer(t, storage.NewMemoryStorage(), newReplica(t, nil))
	q := ast.AST{
		Table:   "issue",
		Where:   &ast.Condition{Type: ast.CondSimple, Field: "status", Op: "=", Value: 1.0},
		OrderBy: []ast.OrderPart{{Field: "id", Direction: ast.Asc}},
	}
	qid := cvr.QueryID(q)

	patches, err := vs.ChangeDesiredQueries(ctx, "c1", map[string]ast.AST{qid: q}, nil)
	if err != nil {
		t.Fatalf("Failed to change desired queries: %v", err)
	}
	want := []string{"client put c1 @00:01", "query put q(c1) @00:01", "query put q @01"}
	if got := describeAll(patches, map[string]string{qid: "q"}); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// panickySnapshotter panics on every query execution.
type panickySnapshotter struct {
	*upstream.MemoryReplica
}

func (panickySnapshotter) Execute(context.Context, ast.AST) ([]upstream.QueryRow, cvr.LexiVersion, error) {
	panic("cannot compare string with float64")
}

func TestPanickingQueryIsWithdrawn(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, nil)
	s := storage.NewMemoryStorage()
	vs := newSyncer(t, s, panickySnapshotter{r})
	q := openIssues()
	qid := cvr.QueryID(q)

	if _, err := vs.ChangeDesiredQueries(ctx, "c1", map[string]ast.AST{qid: q}, nil); err == nil {
		t.Fatal("Expected the panic to surface as an error")
	}

	got := make(chan *cvr.CVR, 1)
	go func() {
		c, err := vs.CVR(ctx)
		if err != nil {
			t.Errorf("Failed to read cvr: %v", err)
		}
		got <- c
	}()
	var c *cvr.CVR
	select {
	case c = <-got:
	case <-time.After(time.Second):
		t.Fatal("View syncer stayed locked after a panic")
	}
	if c == nil {
		return
	}
	if ids := c.Clients["c1"].DesiredQueryIDs; len(ids) != 0 {
		t.Errorf("Expected the desire to be withdrawn, got %v", ids)
	}
	if c.Version.String() != "00:02" {
		t.Errorf("Expected version 00:02, got %s", c.Version)
	}

	// The committed CVR no longer runs the query, so a healthy syncer drops it.
	if _, err := newSyncer(t, s, r).ProcessNotification(ctx, Notification{Version: "01"}); err != nil {
		t.Fatalf("Failed to process after withdrawal: %v", err)
	}
	loaded, err := cvr.LoadCVR(ctx, logger.Discard(), s, "cg1")
	if err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	if _, ok := loaded.Queries[qid]; ok {
		t.Errorf("Expected %s to be removed, got %+v", qid, loaded.Queries[qid])
	}
}
