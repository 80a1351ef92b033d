package cvr

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/kartikbazzad/bunbase/bunsync/internal/ast"
	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
)

// LMIDsQueryID is the internal query tracking each client's last mutation ID.
const LMIDsQueryID = "lmids"

const dayMillis = 24 * 60 * 60 * 1000

// Updater holds the state shared by config and query driven updates. Used on
// its own it only refreshes lastActive, which keeps an otherwise idle CVR out
// of garbage collection.
type Updater struct {
	store *Store
	orig  *CVR
	cvr   *CVR
}

func NewUpdater(store *Store, cvr *CVR) *Updater {
	return &Updater{store: store, orig: cvr, cvr: cvr.Clone()}
}

func (u *Updater) setVersion(v Version) Version {
	if CmpVersions(&u.cvr.Version, &v) >= 0 {
		panic(fmt.Sprintf("cvr version must move forward: %s -> %s", u.cvr.Version, v))
	}
	u.cvr.Version = v
	u.store.PutVersion(v)
	return v
}

// ensureNewVersion bumps the version once per update and returns the bumped
// version on every call.
func (u *Updater) ensureNewVersion() Version {
	if CmpVersions(&u.orig.Version, &u.cvr.Version) == 0 {
		u.setVersion(OneAfter(&u.cvr.Version))
	}
	return u.cvr.Version
}

func (u *Updater) setLastActive(now time.Time) {
	oldMillis := u.cvr.LastActive.EpochMillis
	newMillis := now.UnixMilli()
	if oldMillis/dayMillis != newMillis/dayMillis {
		u.store.DelLastActiveIndex(oldMillis)
		u.store.PutLastActiveIndex(newMillis)
	}
	u.cvr.LastActive = LastActive{EpochMillis: newMillis}
	u.store.PutLastActive(u.cvr.LastActive)
}

func (u *Updater) NumPendingWrites() int { return u.store.NumPendingWrites() }

// Flush stamps lastActive and commits every pending write. The returned CVR
// is the updated snapshot.
func (u *Updater) Flush(ctx context.Context, now time.Time) (*CVR, error) {
	start := time.Now()
	u.setLastActive(now)
	n := u.store.NumPendingWrites()
	err := u.store.Flush(ctx)
	metrics.ObserveCVRFlush(start, err)
	if err != nil {
		return nil, err
	}
	u.store.log.Debug("flushed cvr", "entries", n, "version", VersionString(u.cvr.Version), "duration", time.Since(start))
	return u.cvr, nil
}

// ConfigDrivenUpdater applies client and desired query changes. It only ever
// bumps the minor version.
type ConfigDrivenUpdater struct {
	*Updater
}

func NewConfigDrivenUpdater(store *Store, cvr *CVR) *ConfigDrivenUpdater {
	return &ConfigDrivenUpdater{Updater: NewUpdater(store, cvr)}
}

// AddedQuery is a query newly desired by a client.
type AddedQuery struct {
	ID  string  `json:"id"`
	AST ast.AST `json:"ast"`
}

func (u *ConfigDrivenUpdater) ensureClient(clientID string) *ClientRecord {
	if c, ok := u.cvr.Clients[clientID]; ok {
		return c
	}
	v := u.ensureNewVersion()
	c := &ClientRecord{ID: clientID, PatchVersion: v, DesiredQueryIDs: []string{}}
	u.cvr.Clients[clientID] = c
	u.store.PutClient(c)
	u.store.PutClientPatch(v, MetadataPatch{Type: PatchClient, Op: OpPut, ID: clientID})

	q := &QueryRecord{ID: LMIDsQueryID, AST: u.lmidsAST(), Internal: true}
	u.cvr.Queries[LMIDsQueryID] = q
	u.store.PutQuery(q)
	return c
}

func (u *ConfigDrivenUpdater) lmidsAST() ast.AST {
	ids := make([]ast.Condition, 0, len(u.cvr.Clients))
	for _, id := range slices.Sorted(maps.Keys(u.cvr.Clients)) {
		ids = append(ids, ast.Condition{Type: ast.CondSimple, Field: "clientID", Op: "=", Value: id})
	}
	return ast.AST{
		Schema: "zero",
		Table:  "clients",
		Select: []string{"clientGroupID", "clientID", "lastMutationID"},
		Where: &ast.Condition{Type: ast.CondAnd, Conditions: []ast.Condition{
			{Type: ast.CondSimple, Field: "clientGroupID", Op: "=", Value: u.cvr.ID},
			{Type: ast.CondOr, Conditions: ids},
		}},
	}
}

func (u *ConfigDrivenUpdater) checkReserved(ids []string) error {
	for _, id := range ids {
		if id == LMIDsQueryID {
			return fmt.Errorf("%w: %s", errors.ErrReservedQueryID, id)
		}
		if q, ok := u.cvr.Queries[id]; ok && q.Internal {
			return fmt.Errorf("%w: %s", errors.ErrReservedQueryID, id)
		}
	}
	return nil
}

// PutDesiredQueries adds queries to a client's desired set and returns the
// ones that were not already desired, in ID order.
func (u *ConfigDrivenUpdater) PutDesiredQueries(clientID string, queries map[string]ast.AST) ([]AddedQuery, error) {
	ids := slices.Sorted(maps.Keys(queries))
	if err := u.checkReserved(ids); err != nil {
		return nil, err
	}
	client := u.ensureClient(clientID)
	var needed []string
	for _, id := range ids {
		if !slices.Contains(client.DesiredQueryIDs, id) {
			needed = append(needed, id)
		}
	}
	if len(needed) == 0 {
		return nil, nil
	}
	v := u.ensureNewVersion()
	client.DesiredQueryIDs = slices.Concat(client.DesiredQueryIDs, needed)
	slices.Sort(client.DesiredQueryIDs)
	u.store.PutClient(client)

	added := make([]AddedQuery, 0, len(needed))
	for _, id := range needed {
		q, ok := u.cvr.Queries[id]
		if !ok {
			q = &QueryRecord{ID: id, AST: queries[id]}
			u.cvr.Queries[id] = q
		}
		if q.DesiredBy == nil {
			q.DesiredBy = map[string]Version{}
		}
		q.DesiredBy[clientID] = v
		added = append(added, AddedQuery{ID: id, AST: queries[id]})

		u.store.PutQuery(q)
		u.store.PutDesiredQueryPatch(v, MetadataPatch{Type: PatchQuery, Op: OpPut, ID: id, ClientID: clientID})
	}
	return added, nil
}

// PutDesiredQuery desires a single query under its normalized hash.
func (u *ConfigDrivenUpdater) PutDesiredQuery(clientID string, a ast.AST) (string, error) {
	id := QueryID(a)
	_, err := u.PutDesiredQueries(clientID, map[string]ast.AST{id: a})
	return id, err
}

// DeleteDesiredQueries removes queries from a client's desired set. IDs the
// client does not desire are ignored.
func (u *ConfigDrivenUpdater) DeleteDesiredQueries(clientID string, ids []string) error {
	if err := u.checkReserved(ids); err != nil {
		return err
	}
	client := u.ensureClient(clientID)
	var remove []string
	for _, id := range ids {
		if slices.Contains(client.DesiredQueryIDs, id) && !slices.Contains(remove, id) {
			remove = append(remove, id)
		}
	}
	if len(remove) == 0 {
		return nil
	}
	slices.Sort(remove)
	v := u.ensureNewVersion()
	client.DesiredQueryIDs = slices.DeleteFunc(slices.Clone(client.DesiredQueryIDs), func(id string) bool {
		return slices.Contains(remove, id)
	})
	u.store.PutClient(client)

	for _, id := range remove {
		q, ok := u.cvr.Queries[id]
		if !ok {
			continue
		}
		if old, ok := q.DesiredBy[clientID]; ok {
			u.store.DelDesiredQueryPatch(old, id, clientID)
		}
		delete(q.DesiredBy, clientID)
		u.store.PutQuery(q)
		u.store.PutDesiredQueryPatch(v, MetadataPatch{Type: PatchQuery, Op: OpDel, ID: id, ClientID: clientID})
	}
	return nil
}

func (u *ConfigDrivenUpdater) ClearDesiredQueries(clientID string) error {
	client := u.ensureClient(clientID)
	return u.DeleteDesiredQueries(clientID, slices.Clone(client.DesiredQueryIDs))
}

// ExecutedQuery identifies a query run against a snapshot.
type ExecutedQuery struct {
	ID                 string
	TransformationHash string
}

// ParsedRow is one row received from an executed query. QueriedColumns lists
// the queries that read each column.
type ParsedRow struct {
	ID             RowID
	RowVersion     string
	QueriedColumns QueriedColumns
	Contents       map[string]any
}

type receivedRow struct {
	id      RowID
	columns QueriedColumns
}

// QueryDrivenUpdater records the results of executing queries at one state
// version. Callers run TrackQueries, Received for every result row,
// DeleteUnreferencedColumnsAndRows, GenerateConfigPatches, then Flush.
type QueryDrivenUpdater struct {
	*Updater

	tracked              bool
	removedOrExecuted    map[string]struct{}
	receivedRows         map[string]receivedRow
	newConfigPatches     []MetadataPatch
	existingRows         []RowRecord
	catchupRowPatches    []RowPatchAt
	catchupConfigPatches []MetadataPatchAt
}

// NewQueryDrivenUpdater starts an update at stateVersion, which must not be
// behind the CVR's.
func NewQueryDrivenUpdater(store *Store, cvr *CVR, stateVersion LexiVersion) *QueryDrivenUpdater {
	u := &QueryDrivenUpdater{
		Updater:           NewUpdater(store, cvr),
		removedOrExecuted: map[string]struct{}{},
		receivedRows:      map[string]receivedRow{},
	}
	if stateVersion < cvr.Version.StateVersion {
		panic(fmt.Sprintf("state version %s is behind cvr %s", stateVersion, cvr.Version))
	}
	if stateVersion > cvr.Version.StateVersion {
		u.setVersion(Version{StateVersion: stateVersion})
	}
	return u
}

// TrackQueries marks executed queries as gotten and drops removed ones, then
// loads the row records they touch and the patches a client at catchupFrom
// has not seen. It returns the version the update commits at.
func (u *QueryDrivenUpdater) TrackQueries(ctx context.Context, executed []ExecutedQuery, removed []string, catchupFrom *Version) (Version, error) {
	if u.tracked {
		panic("TrackQueries already called")
	}
	u.tracked = true

	for _, q := range executed {
		if err := u.trackExecuted(q.ID, q.TransformationHash); err != nil {
			return Version{}, err
		}
	}
	for _, id := range removed {
		if err := u.trackRemoved(id); err != nil {
			return Version{}, err
		}
	}

	if err := u.lookupRows(ctx); err != nil {
		return Version{}, err
	}

	if CmpVersions(catchupFrom, &u.orig.Version) < 0 {
		from := OneAfter(catchupFrom)
		var err error
		if u.catchupRowPatches, err = u.store.CatchupRowPatches(ctx, from); err != nil {
			return Version{}, err
		}
		if u.catchupConfigPatches, err = u.store.CatchupConfigPatches(ctx, from); err != nil {
			return Version{}, err
		}
	}
	return u.cvr.Version, nil
}

func (u *QueryDrivenUpdater) trackExecuted(id, transformationHash string) error {
	if _, ok := u.removedOrExecuted[id]; ok {
		return fmt.Errorf("query %s tracked twice", id)
	}
	q, ok := u.cvr.Queries[id]
	if !ok {
		return fmt.Errorf("%w: executed query %s", errors.ErrNotFound, id)
	}
	u.removedOrExecuted[id] = struct{}{}

	if q.TransformationHash == transformationHash {
		return nil
	}
	v := u.ensureNewVersion()
	if !q.Internal && q.PatchVersion == nil {
		pv := v
		q.PatchVersion = &pv
		p := MetadataPatch{Type: PatchQuery, Op: OpPut, ID: id}
		u.store.PutQueryPatch(v, p)
		u.newConfigPatches = append(u.newConfigPatches, p)
	}
	tv := v
	q.TransformationHash = transformationHash
	q.TransformationVersion = &tv
	u.store.PutQuery(q)
	return nil
}

func (u *QueryDrivenUpdater) trackRemoved(id string) error {
	q, ok := u.cvr.Queries[id]
	if !ok {
		return fmt.Errorf("%w: removed query %s", errors.ErrNotFound, id)
	}
	if q.Internal {
		return fmt.Errorf("%w: %s", errors.ErrReservedQueryID, id)
	}
	if _, ok := u.removedOrExecuted[id]; ok {
		return fmt.Errorf("query %s tracked twice", id)
	}
	u.removedOrExecuted[id] = struct{}{}
	delete(u.cvr.Queries, id)

	v := u.ensureNewVersion()
	u.store.DelQuery(id)
	if q.PatchVersion != nil {
		u.store.DelQueryPatch(*q.PatchVersion, id)
	}
	p := MetadataPatch{Type: PatchQuery, Op: OpDel, ID: id}
	u.store.PutQueryPatch(v, p)
	u.newConfigPatches = append(u.newConfigPatches, p)
	return nil
}

// lookupRows collects the committed, live row records referenced by any
// executed or removed query.
func (u *QueryDrivenUpdater) lookupRows(ctx context.Context) error {
	if len(u.removedOrExecuted) == 0 {
		return nil
	}
	total := 0
	for r, err := range u.store.AllRowRecords(ctx) {
		if err != nil {
			return err
		}
		total++
		if r.QueriedColumns == nil {
			continue
		}
	columns:
		for _, ids := range r.QueriedColumns {
			for _, id := range ids {
				if _, ok := u.removedOrExecuted[id]; ok {
					u.existingRows = append(u.existingRows, r)
					break columns
				}
			}
		}
	}
	u.store.log.Debug("found rows for tracked queries", "rows", len(u.existingRows), "total", total)
	return nil
}

func (u *QueryDrivenUpdater) assertNewVersion() Version {
	if CmpVersions(&u.orig.Version, &u.cvr.Version) >= 0 {
		panic("cvr version was not advanced before receiving rows")
	}
	return u.cvr.Version
}

func (u *QueryDrivenUpdater) UpdatedVersion() Version { return u.cvr.Version }

// Received records rows returned by the executed queries. A row whose version
// and columns the client already has keeps its old patch version, so the
// returned patch is filtered out for clients past it.
func (u *QueryDrivenUpdater) Received(ctx context.Context, rows []ParsedRow) ([]PatchToVersion, error) {
	ids := make([]RowID, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	existingRows, err := u.store.GetMultipleRowEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	merges := make([]PatchToVersion, 0, len(rows))
	for _, row := range rows {
		if row.QueriedColumns == nil {
			panic("received a tombstone")
		}
		h := RowIDHash(row.ID)
		existing, hasExisting := existingRows[h]

		var merged QueriedColumns
		if prev, ok := u.receivedRows[h]; ok {
			merged = MergeQueriedColumns(prev.columns, row.QueriedColumns, nil)
		} else {
			var old QueriedColumns
			if hasExisting {
				old = existing.QueriedColumns
			}
			merged = MergeQueriedColumns(old, row.QueriedColumns, u.removedOrExecuted)
		}
		u.receivedRows[h] = receivedRow{id: row.ID, columns: merged}

		var patchVersion Version
		if hasExisting && existing.RowVersion == row.RowVersion && coversColumns(existing.QueriedColumns, merged) {
			patchVersion = existing.PatchVersion
		} else {
			patchVersion = u.assertNewVersion()
		}

		if hasExisting {
			u.store.DelRowPatch(existing.PatchVersion, existing.ID)
		}
		u.store.PutRowRecord(RowRecord{ID: row.ID, RowVersion: row.RowVersion, PatchVersion: patchVersion, QueriedColumns: merged})
		u.store.PutRowPatch(patchVersion, RowPatch{Type: PatchRow, Op: OpPut, ID: row.ID, RowVersion: row.RowVersion, Columns: merged.Columns()})

		op := OpPut
		if hasExisting && existing.QueriedColumns != nil {
			op = OpMerge
		}
		id := row.ID
		merges = append(merges, PatchToVersion{
			Patch:     Patch{Type: PatchRow, Op: op, RowID: &id, Contents: row.Contents},
			ToVersion: patchVersion,
		})
	}
	return merges, nil
}

// coversColumns reports whether every column of cols is already in have.
func coversColumns(have, cols QueriedColumns) bool {
	for col := range cols {
		if _, ok := have[col]; !ok {
			return false
		}
	}
	return true
}

// DeleteUnreferencedColumnsAndRows reconciles the rows of executed and
// removed queries against what was received. A row that lost only some
// columns gets a constrain patch; one that lost every query is tombstoned.
// Committed row patches newer than the catch-up version are replayed after.
func (u *QueryDrivenUpdater) DeleteUnreferencedColumnsAndRows() []PatchToVersion {
	if !u.tracked {
		panic("TrackQueries was not called")
	}
	if len(u.removedOrExecuted) == 0 {
		return nil
	}
	var patches []PatchToVersion
	for _, existing := range u.existingRows {
		id, columns, changed := u.deleteUnreferencedColumnsOrRow(existing)
		if !changed {
			continue
		}
		rid := id
		if columns != nil {
			patches = append(patches, PatchToVersion{
				Patch:     Patch{Type: PatchRow, Op: OpConstrain, RowID: &rid, Columns: columns},
				ToVersion: u.cvr.Version,
			})
		} else {
			patches = append(patches, PatchToVersion{
				Patch:     Patch{Type: PatchRow, Op: OpDel, RowID: &rid},
				ToVersion: u.cvr.Version,
			})
		}
	}

	u.store.log.Debug("processing row patches", "count", len(u.catchupRowPatches))
	for _, rp := range u.catchupRowPatches {
		if u.store.IsRowPatchPendingDelete(rp.Version, rp.Patch.ID) {
			continue
		}
		rid := rp.Patch.ID
		if rp.Patch.Op == OpPut {
			patches = append(patches, PatchToVersion{
				Patch:     Patch{Type: PatchRow, Op: OpConstrain, RowID: &rid, Columns: rp.Patch.Columns},
				ToVersion: rp.Version,
			})
		} else {
			patches = append(patches, PatchToVersion{
				Patch:     Patch{Type: PatchRow, Op: OpDel, RowID: &rid},
				ToVersion: rp.Version,
			})
		}
	}
	return patches
}

// deleteUnreferencedColumnsOrRow returns the row's remaining columns, nil
// columns for a deleted row, or changed=false when nothing was lost.
func (u *QueryDrivenUpdater) deleteUnreferencedColumnsOrRow(existing RowRecord) (RowID, []string, bool) {
	h := RowIDHash(existing.ID)
	received, wasReceived := u.receivedRows[h]
	newColumns := received.columns
	if !wasReceived {
		newColumns = MergeQueriedColumns(existing.QueriedColumns, nil, u.removedOrExecuted)
	}

	if existing.QueriedColumns != nil && coversColumns(newColumns, existing.QueriedColumns) {
		if wasReceived && u.store.PendingRowRecordEquals(existing) {
			u.store.CancelPendingRowRecord(existing.ID)
			u.store.CancelPendingRowPatch(existing.PatchVersion, existing.ID)
		}
		return existing.ID, nil, false
	}

	v := u.assertNewVersion()
	columns := newColumns.Columns()
	record := existing
	record.PatchVersion = v
	if len(columns) > 0 {
		record.QueriedColumns = newColumns
	} else {
		record.QueriedColumns = nil
	}
	u.store.PutRowRecord(record)
	u.store.DelRowPatch(existing.PatchVersion, existing.ID)

	if len(columns) == 0 {
		u.store.PutRowPatch(v, RowPatch{Type: PatchRow, Op: OpDel, ID: existing.ID})
		return existing.ID, nil, true
	}
	u.store.PutRowPatch(v, RowPatch{Type: PatchRow, Op: OpPut, ID: existing.ID, RowVersion: existing.RowVersion, Columns: columns})
	return existing.ID, columns, true
}

// GenerateConfigPatches returns the config patches a client at the catch-up
// version is missing, followed by the ones this update created. Query puts
// carry their AST.
func (u *QueryDrivenUpdater) GenerateConfigPatches() []PatchToVersion {
	if !u.tracked {
		panic("TrackQueries was not called")
	}
	u.store.log.Debug("processing config patches", "count", len(u.catchupConfigPatches))
	var patches []PatchToVersion
	for _, mp := range u.catchupConfigPatches {
		if u.store.IsMetadataPatchPendingDelete(mp.Version, mp.Patch) {
			continue
		}
		patches = append(patches, PatchToVersion{Patch: u.cvr.ConfigPatch(mp.Patch), ToVersion: mp.Version})
	}
	for _, mp := range u.newConfigPatches {
		patches = append(patches, PatchToVersion{Patch: u.cvr.ConfigPatch(mp), ToVersion: u.cvr.Version})
	}
	return patches
}

// Flush commits the update.
func (u *QueryDrivenUpdater) Flush(ctx context.Context, now time.Time) (*CVR, error) {
	clear(u.receivedRows)
	return u.Updater.Flush(ctx, now)
}

// ConfigPatch converts a stored metadata patch into a client patch, attaching
// the query AST to query puts.
func (c *CVR) ConfigPatch(mp MetadataPatch) Patch {
	p := Patch{Type: mp.Type, Op: mp.Op, ID: mp.ID, ClientID: mp.ClientID}
	if mp.Type == PatchQuery && mp.Op == OpPut {
		if q, ok := c.Queries[mp.ID]; ok {
			a := q.AST
			p.AST = &a
		}
	}
	return p
}

// MergeQueriedColumns unions received into existing, first dropping removeIDs
// from existing. Query ID lists stay sorted.
func MergeQueriedColumns(existing, received QueriedColumns, removeIDs map[string]struct{}) QueriedColumns {
	merged := QueriedColumns{}
	add := func(cols QueriedColumns, skip map[string]struct{}) {
		for col, ids := range cols {
			for _, id := range ids {
				if _, ok := skip[id]; ok {
					continue
				}
				if !slices.Contains(merged[col], id) {
					merged[col] = append(merged[col], id)
				}
			}
		}
	}
	add(existing, removeIDs)
	add(received, nil)
	for _, ids := range merged {
		slices.Sort(ids)
	}
	return merged
}
