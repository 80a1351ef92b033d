// Package viewsyncer keeps the client view records of client groups in step
// with the replica and pokes connected clients with the patches they miss.
package viewsyncer

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
	"github.com/kartikbazzad/bunbase/bunsync/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsync/internal/cvr"
	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsync/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
	"github.com/kartikbazzad/bunbase/bunsync/internal/upstream"
)

// transformationVersion is mixed into every transformation hash. Bumping it
// forces every gotten query to be re-executed.
const transformationVersion = 1

const notificationBuffer = 64

// Snapshotter reads a consistent snapshot of the replica. Execute returns
// the version the rows were read at.
type Snapshotter interface {
	Version(ctx context.Context) (cvr.LexiVersion, error)
	Execute(ctx context.Context, q ast.AST) ([]upstream.QueryRow, cvr.LexiVersion, error)
}

type Notification = upstream.Notification

// Poke carries the patches that move a client from BaseCookie to Cookie.
type Poke struct {
	ClientID   string               `json:"clientID"`
	BaseCookie *cvr.Version         `json:"baseCookie,omitempty"`
	Cookie     cvr.Version          `json:"cookie"`
	Patches    []cvr.PatchToVersion `json:"patches"`
}

type Options struct {
	ClientGroupID string
	Storage       storage.DurableStorage
	Snapshotter   Snapshotter
	// Broker delivers replica notifications. Run works without one but
	// only reacts to ProcessNotification calls.
	Broker        *broker.Broker[Notification]
	Logger        *slog.Logger
	FlushInterval time.Duration
	MaxRetries    int
	// RowBatchSize is the page size for full row-record scans.
	RowBatchSize  int
	Now           func() time.Time
}

type subscriber struct {
	fn     func(Poke)
	cookie *cvr.Version
}

// ViewSyncer owns the CVR of one client group. All CVR reads and updates are
// serialized on mu.
type ViewSyncer struct {
	id            string
	log           *slog.Logger
	store         *cvr.Store
	snapshotter   Snapshotter
	broker        *broker.Broker[Notification]
	retry         *errors.RetryController
	classifier    *errors.Classifier
	now           func() time.Time
	flushInterval time.Duration
	pokes         *Coordinator[Poke]

	mu  sync.Mutex
	cvr *cvr.CVR

	subMu       sync.Mutex
	subscribers map[string]*subscriber
}

func New(opts Options) *ViewSyncer {
	log := opts.Logger
	if log == nil {
		log = logger.Get()
	}
	log = logger.WithClientGroup(logger.WithComponent(log, "view-syncer"), opts.ClientGroupID)
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 50 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	vs := &ViewSyncer{
		id:            opts.ClientGroupID,
		log:           log,
		store:         cvr.NewStore(log, opts.Storage, opts.ClientGroupID).WithRowBatchSize(opts.RowBatchSize),
		snapshotter:   opts.Snapshotter,
		broker:        opts.Broker,
		retry:         errors.NewRetryController(opts.MaxRetries).WithDelays(5*time.Millisecond, 200*time.Millisecond),
		classifier:    errors.NewClassifier(),
		now:           opts.Now,
		flushInterval: opts.FlushInterval,
		subscribers:   map[string]*subscriber{},
	}
	vs.pokes = NewCoordinator(opts.FlushInterval, vs.sendPokes)
	return vs
}

func (vs *ViewSyncer) ID() string { return vs.id }

func (vs *ViewSyncer) loadLocked(ctx context.Context) error {
	if vs.cvr != nil {
		return nil
	}
	c, err := vs.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cvr %s: %w", vs.id, err)
	}
	vs.cvr = c
	return nil
}

// CVR returns a copy of the current CVR, loading it on first use.
func (vs *ViewSyncer) CVR(ctx context.Context) (*cvr.CVR, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if err := vs.loadLocked(ctx); err != nil {
		return nil, err
	}
	return vs.cvr.Clone(), nil
}

// Run loads the CVR, catches it up with the replica and then follows replica
// notifications until ctx is done. Queued pokes are flushed on the way out.
func (vs *ViewSyncer) Run(ctx context.Context) error {
	vs.mu.Lock()
	err := vs.loadLocked(ctx)
	vs.mu.Unlock()
	if err != nil {
		return err
	}

	notifications := make(chan Notification, notificationBuffer)
	if vs.broker != nil {
		sub := vs.broker.Subscribe(upstream.Topic, broker.SubscriberFunc[Notification](func(msg *broker.Message[Notification]) {
			select {
			case notifications <- msg.Payload:
			case <-ctx.Done():
			}
		}))
		defer sub.Unsubscribe()
	}

	if v, err := vs.snapshotter.Version(ctx); err != nil {
		vs.log.Warn("failed to read replica version", "error", err)
	} else {
		vs.handle(ctx, Notification{Version: v})
	}

	ticker := time.NewTicker(vs.flushInterval)
	defer ticker.Stop()
	vs.log.Info("view syncer started")
	for {
		select {
		case <-ctx.Done():
			if err := vs.pokes.Flush(context.WithoutCancel(ctx)); err != nil {
				vs.log.Warn("failed to flush pokes on shutdown", "error", err)
			}
			vs.log.Info("view syncer stopped")
			return nil
		case n := <-notifications:
			vs.handle(ctx, n)
		case <-ticker.C:
			if _, err := vs.pokes.FlushIfDue(ctx); err != nil {
				vs.log.Warn("failed to flush pokes", "error", err)
			}
		}
	}
}

func (vs *ViewSyncer) handle(ctx context.Context, n Notification) {
	_, err := vs.ProcessNotification(ctx, n)
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrStaleNotification):
		vs.log.Debug("ignoring stale notification", "version", n.Version)
	case ctx.Err() != nil:
	default:
		vs.log.Error("failed to process notification", "version", n.Version, "error", err)
	}
}

// Subscribe registers fn to receive pokes for clientID, starting from the
// CVR's current version. The returned func unsubscribes.
func (vs *ViewSyncer) Subscribe(clientID string, fn func(Poke)) func() {
	var cookie *cvr.Version
	vs.mu.Lock()
	if vs.cvr != nil {
		v := vs.cvr.Version
		cookie = &v
	}
	vs.mu.Unlock()

	sub := &subscriber{fn: fn, cookie: cookie}
	vs.subMu.Lock()
	vs.subscribers[clientID] = sub
	vs.subMu.Unlock()

	return func() {
		vs.subMu.Lock()
		defer vs.subMu.Unlock()
		if vs.subscribers[clientID] == sub {
			delete(vs.subscribers, clientID)
		}
	}
}

// ChangeDesiredQueries records the client's desired query changes and then
// hydrates new queries and drops ones no client desires anymore. It returns
// the patches the change produced for clientID. If the new queries cannot be
// hydrated, the client's desire for them is withdrawn before returning.
func (vs *ViewSyncer) ChangeDesiredQueries(ctx context.Context, clientID string, puts map[string]ast.AST, dels []string) ([]cvr.PatchToVersion, error) {
	patches, err := vs.changeDesiredQueries(ctx, clientID, puts, dels)
	if err != nil {
		return nil, err
	}
	vs.flushPokesIfDue(ctx)
	return patches, nil
}

func (vs *ViewSyncer) changeDesiredQueries(ctx context.Context, clientID string, puts map[string]ast.AST, dels []string) ([]cvr.PatchToVersion, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if err := vs.loadLocked(ctx); err != nil {
		return nil, err
	}
	prev := vs.cvr.Version

	cu := cvr.NewConfigDrivenUpdater(vs.store, vs.cvr)
	added, err := cu.PutDesiredQueries(clientID, puts)
	if err != nil {
		vs.store.Discard()
		return nil, err
	}
	if err := cu.DeleteDesiredQueries(clientID, dels); err != nil {
		vs.store.Discard()
		return nil, err
	}
	if cu.NumPendingWrites() == 0 {
		return nil, nil
	}
	updated, err := vs.flushWithRetry(ctx, cu.Flush)
	if err != nil {
		return nil, err
	}
	vs.cvr = updated

	patches, err := vs.reconcileLocked(ctx, plan{
		planned:     vs.cvr.Version.StateVersion,
		affected:    needsExecution,
		catchup:     true,
		catchupFrom: &prev,
	})
	if err != nil {
		vs.withdrawLocked(ctx, clientID, added, err)
		return nil, err
	}
	vs.queuePokesLocked(patches, "")
	return forClient(patches, clientID, &prev), nil
}

// withdrawLocked removes the desire recorded for queries whose hydration
// failed for good, so the committed CVR does not keep re-running them.
func (vs *ViewSyncer) withdrawLocked(ctx context.Context, clientID string, added []cvr.AddedQuery, cause error) {
	if len(added) == 0 || ctx.Err() != nil || vs.classifier.ShouldRetry(vs.classifier.Classify(cause)) {
		return
	}
	ids := make([]string, len(added))
	for i, q := range added {
		ids[i] = q.ID
	}
	cu := cvr.NewConfigDrivenUpdater(vs.store, vs.cvr)
	if err := cu.DeleteDesiredQueries(clientID, ids); err != nil {
		vs.store.Discard()
		vs.log.Error("failed to withdraw queries", "client", clientID, "queries", ids, "error", err)
		return
	}
	updated, err := vs.flushWithRetry(ctx, cu.Flush)
	if err != nil {
		vs.log.Error("failed to withdraw queries", "client", clientID, "queries", ids, "error", err)
		return
	}
	vs.cvr = updated
	vs.log.Warn("withdrew queries that failed to hydrate", "client", clientID, "queries", ids, "error", cause)
}

// ProcessNotification re-executes the queries that read the changed tables,
// or every query when the replica has already moved past n.Version.
func (vs *ViewSyncer) ProcessNotification(ctx context.Context, n Notification) ([]cvr.PatchToVersion, error) {
	patches, err := vs.processNotification(ctx, n)
	if err != nil {
		return nil, err
	}
	vs.flushPokesIfDue(ctx)
	return patches, nil
}

func (vs *ViewSyncer) processNotification(ctx context.Context, n Notification) ([]cvr.PatchToVersion, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if err := vs.loadLocked(ctx); err != nil {
		return nil, err
	}
	if n.Version <= vs.cvr.Version.StateVersion {
		return nil, fmt.Errorf("%w: %s is not after %s", errors.ErrStaleNotification, n.Version, vs.cvr.Version)
	}

	var affected func(q *cvr.QueryRecord) bool
	if len(n.Tables) > 0 {
		changed := make(map[string]struct{}, len(n.Tables))
		for _, t := range n.Tables {
			changed[t] = struct{}{}
		}
		affected = func(q *cvr.QueryRecord) bool {
			if needsExecution(q) {
				return true
			}
			for _, t := range q.AST.Tables() {
				if _, ok := changed[t]; ok {
					return true
				}
			}
			return false
		}
	} else {
		affected = func(*cvr.QueryRecord) bool { return true }
	}

	patches, err := vs.reconcileLocked(ctx, plan{planned: n.Version, affected: affected})
	if err != nil {
		return nil, err
	}
	vs.queuePokesLocked(patches, "")
	return patches, nil
}

// Catchup re-executes every desired query and returns the patches that move
// clientID from the from cookie to the CVR's version, ordered by version
// with config patches first. A nil from means a fresh client.
func (vs *ViewSyncer) Catchup(ctx context.Context, clientID string, from *cvr.Version) ([]cvr.PatchToVersion, cvr.Version, error) {
	patches, cookie, err := vs.catchup(ctx, clientID, from)
	if err != nil {
		return nil, cvr.Version{}, err
	}
	vs.flushPokesIfDue(ctx)

	out := forClient(patches, clientID, from)
	slices.SortStableFunc(out, func(a, b cvr.PatchToVersion) int {
		if c := cvr.CmpVersions(&a.ToVersion, &b.ToVersion); c != 0 {
			return c
		}
		return cmp.Compare(patchRank(a.Patch), patchRank(b.Patch))
	})
	return out, cookie, nil
}

func (vs *ViewSyncer) catchup(ctx context.Context, clientID string, from *cvr.Version) ([]cvr.PatchToVersion, cvr.Version, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if err := vs.loadLocked(ctx); err != nil {
		return nil, cvr.Version{}, err
	}
	if from != nil && cvr.CmpVersions(from, &vs.cvr.Version) > 0 {
		return nil, cvr.Version{}, fmt.Errorf("%w: cookie %s is ahead of cvr %s", errors.ErrInvalidVersion, from, vs.cvr.Version)
	}
	start := vs.cvr.Version
	patches, err := vs.reconcileLocked(ctx, plan{
		planned:     vs.cvr.Version.StateVersion,
		affected:    func(*cvr.QueryRecord) bool { return true },
		catchup:     true,
		catchupFrom: from,
	})
	if err != nil {
		return nil, cvr.Version{}, err
	}
	cookie := vs.cvr.Version

	// Other clients only need what this update created.
	var fresh []cvr.PatchToVersion
	for _, p := range patches {
		if cvr.CmpVersions(&p.ToVersion, &start) > 0 {
			fresh = append(fresh, p)
		}
	}
	vs.queuePokesLocked(fresh, clientID)
	vs.subMu.Lock()
	if sub, ok := vs.subscribers[clientID]; ok {
		v := cookie
		sub.cookie = &v
	}
	vs.subMu.Unlock()
	return patches, cookie, nil
}

func patchRank(p cvr.Patch) int {
	if p.Type == cvr.PatchRow {
		return 1
	}
	return 0
}

// FlushPokes sends every queued poke now.
func (vs *ViewSyncer) FlushPokes(ctx context.Context) error {
	return vs.pokes.Flush(ctx)
}

// needsExecution reports whether a desired query was never executed or was
// executed under another transformation.
func needsExecution(q *cvr.QueryRecord) bool {
	return q.TransformationHash != ast.TransformationHash(q.AST, transformationVersion)
}

// plan describes one reconciliation against the replica.
type plan struct {
	// planned is the replica version the caller expects. A snapshot past it
	// re-executes every desired query.
	planned  cvr.LexiVersion
	affected func(q *cvr.QueryRecord) bool
	// catchup replays patches committed after catchupFrom.
	catchup     bool
	catchupFrom *cvr.Version
}

func (vs *ViewSyncer) reconcileLocked(ctx context.Context, p plan) ([]cvr.PatchToVersion, error) {
	var patches []cvr.PatchToVersion
	err := vs.retry.Retry(ctx, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("reconcile panicked: %v", r)
			}
			if err != nil {
				vs.store.Discard()
				vs.log.Debug("reconcile attempt failed", "error", err)
			}
		}()
		patches, err = vs.reconcileOnce(ctx, p)
		return err
	}, vs.classifier)
	return patches, err
}

func (vs *ViewSyncer) reconcileOnce(ctx context.Context, p plan) ([]cvr.PatchToVersion, error) {
	state, err := vs.snapshotter.Version(ctx)
	if err != nil {
		return nil, err
	}
	if state < p.planned {
		return nil, fmt.Errorf("%w: replica at %s has not reached %s", errors.ErrTransient, state, p.planned)
	}
	if state < vs.cvr.Version.StateVersion {
		return nil, fmt.Errorf("%w: replica at %s is behind cvr %s", errors.ErrInvalidVersion, state, vs.cvr.Version)
	}
	executeAll := state > p.planned

	var toExecute []*cvr.QueryRecord
	var removed []string
	for _, id := range slices.Sorted(maps.Keys(vs.cvr.Queries)) {
		q := vs.cvr.Queries[id]
		switch {
		case q.Internal:
		case len(q.DesiredBy) == 0:
			removed = append(removed, id)
		case executeAll || p.affected(q):
			toExecute = append(toExecute, q)
		}
	}

	catchupFrom := &vs.cvr.Version
	if p.catchup {
		catchupFrom = p.catchupFrom
	}
	if state == vs.cvr.Version.StateVersion && len(toExecute) == 0 && len(removed) == 0 &&
		cvr.CmpVersions(catchupFrom, &vs.cvr.Version) >= 0 {
		return nil, nil
	}

	qu := cvr.NewQueryDrivenUpdater(vs.store, vs.cvr, state)
	executed := make([]cvr.ExecutedQuery, len(toExecute))
	for i, q := range toExecute {
		executed[i] = cvr.ExecutedQuery{ID: q.ID, TransformationHash: ast.TransformationHash(q.AST, transformationVersion)}
	}
	if _, err := qu.TrackQueries(ctx, executed, removed, catchupFrom); err != nil {
		return nil, err
	}

	var rowPatches []cvr.PatchToVersion
	for _, q := range toExecute {
		rows, readAt, err := vs.snapshotter.Execute(ctx, q.AST)
		if err != nil {
			return nil, fmt.Errorf("failed to execute query %s: %w", q.ID, err)
		}
		if readAt != state {
			return nil, fmt.Errorf("%w: replica moved from %s to %s", errors.ErrTransient, state, readAt)
		}
		received, err := qu.Received(ctx, parseRows(q.ID, rows))
		if err != nil {
			return nil, err
		}
		rowPatches = append(rowPatches, received...)
	}
	rowPatches = append(rowPatches, qu.DeleteUnreferencedColumnsAndRows()...)
	patches := append(qu.GenerateConfigPatches(), rowPatches...)

	updated, err := qu.Flush(ctx, vs.now())
	if err != nil {
		return nil, err
	}
	vs.log.Debug("reconciled cvr",
		"version", updated.Version.String(),
		"executed", len(toExecute),
		"removed", len(removed),
		"patches", len(patches))
	vs.cvr = updated
	return patches, nil
}

func (vs *ViewSyncer) flushWithRetry(ctx context.Context, flush func(context.Context, time.Time) (*cvr.CVR, error)) (*cvr.CVR, error) {
	var updated *cvr.CVR
	err := vs.retry.Retry(ctx, func() error {
		var err error
		updated, err = flush(ctx, vs.now())
		return err
	}, vs.classifier)
	if err != nil {
		vs.store.Discard()
		return nil, err
	}
	return updated, nil
}

// parseRows folds the rows of one query result into one ParsedRow per row
// ID. A row reached through several relationships appears once.
func parseRows(queryID string, rows []upstream.QueryRow) []cvr.ParsedRow {
	index := map[string]int{}
	var out []cvr.ParsedRow
	for _, r := range rows {
		id := cvr.RowID{Schema: r.Schema, Table: r.Table, RowKey: r.PrimaryKey}
		h := cvr.RowIDHash(id)
		if i, ok := index[h]; ok {
			for _, col := range r.Columns {
				if _, ok := out[i].QueriedColumns[col]; !ok {
					out[i].QueriedColumns[col] = []string{queryID}
				}
			}
			maps.Copy(out[i].Contents, r.Row)
			continue
		}
		cols := make(cvr.QueriedColumns, len(r.Columns))
		for _, col := range r.Columns {
			cols[col] = []string{queryID}
		}
		index[h] = len(out)
		out = append(out, cvr.ParsedRow{
			ID:             id,
			RowVersion:     r.RowVersion,
			QueriedColumns: cols,
			Contents:       maps.Clone(r.Row),
		})
	}
	return out
}

// forClient keeps the patches newer than from that clientID may see.
// Desired query patches belong to the client that made them.
func forClient(patches []cvr.PatchToVersion, clientID string, from *cvr.Version) []cvr.PatchToVersion {
	var out []cvr.PatchToVersion
	for _, p := range patches {
		if from != nil && cvr.CmpVersions(&p.ToVersion, from) <= 0 {
			continue
		}
		if p.Patch.ClientID != "" && p.Patch.ClientID != clientID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// queuePokesLocked queues a poke for every subscriber behind the CVR's
// version except skip. It must be called with mu held so pokes are queued in
// CVR version order.
func (vs *ViewSyncer) queuePokesLocked(patches []cvr.PatchToVersion, skip string) {
	cookie := vs.cvr.Version

	var pokes []Poke
	vs.subMu.Lock()
	for _, clientID := range slices.Sorted(maps.Keys(vs.subscribers)) {
		if clientID == skip {
			continue
		}
		sub := vs.subscribers[clientID]
		if sub.cookie != nil && cvr.CmpVersions(sub.cookie, &cookie) >= 0 {
			continue
		}
		pokes = append(pokes, Poke{
			ClientID:   clientID,
			BaseCookie: sub.cookie,
			Cookie:     cookie,
			Patches:    forClient(patches, clientID, sub.cookie),
		})
		v := cookie
		sub.cookie = &v
	}
	vs.subMu.Unlock()

	vs.pokes.Add(pokes...)
}

func (vs *ViewSyncer) flushPokesIfDue(ctx context.Context) {
	if _, err := vs.pokes.FlushIfDue(ctx); err != nil {
		vs.log.Warn("failed to flush pokes", "error", err)
	}
}

// sendPokes merges the queued pokes of each client into one and hands it to
// the client's subscriber.
func (vs *ViewSyncer) sendPokes(_ context.Context, pokes []Poke) error {
	merged := coalescePokes(pokes)

	vs.subMu.Lock()
	targets := make([]func(Poke), len(merged))
	for i, p := range merged {
		if sub, ok := vs.subscribers[p.ClientID]; ok {
			targets[i] = sub.fn
		}
	}
	vs.subMu.Unlock()

	for i, p := range merged {
		if targets[i] == nil {
			metrics.IncPoke("dropped")
			continue
		}
		targets[i](p)
		metrics.IncPoke("sent")
	}
	return nil
}

// coalescePokes joins consecutive pokes of the same client, keeping the
// first base cookie and the last cookie.
func coalescePokes(pokes []Poke) []Poke {
	index := map[string]int{}
	var out []Poke
	for _, p := range pokes {
		i, ok := index[p.ClientID]
		if !ok {
			index[p.ClientID] = len(out)
			out = append(out, Poke{
				ClientID:   p.ClientID,
				BaseCookie: p.BaseCookie,
				Cookie:     p.Cookie,
				Patches:    slices.Clone(p.Patches),
			})
			continue
		}
		out[i].Cookie = p.Cookie
		out[i].Patches = append(out[i].Patches, p.Patches...)
	}
	return out
}
