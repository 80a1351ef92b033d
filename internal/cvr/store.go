package cvr

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"reflect"
	"strings"

	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
)

const defaultRowBatchSize = 2000

// MetadataPatchAt is a stored metadata patch with the version it belongs to.
type MetadataPatchAt struct {
	Patch   MetadataPatch
	Version Version
}

// RowPatchAt is a stored row patch with the version it belongs to.
type RowPatchAt struct {
	Patch   RowPatch
	Version Version
}

// Store reads a CVR from durable storage and buffers its writes in an
// EntryCache until Flush. Write helpers never fail on their own; the first
// encoding error is kept and returned by Flush.
type Store struct {
	id      string
	paths   Paths
	storage storage.DurableStorage
	writes  *storage.EntryCache
	log     *slog.Logger
	err     error

	rowBatchSize int
}

func NewStore(log *slog.Logger, s storage.DurableStorage, cvrID string) *Store {
	return &Store{
		id:      cvrID,
		paths:   NewPaths(cvrID),
		storage: s,
		writes:  storage.NewEntryCache(s),
		log:     log,

		rowBatchSize: defaultRowBatchSize,
	}
}

// WithRowBatchSize sets how many row records AllRowRecords reads per List.
func (s *Store) WithRowBatchSize(n int) *Store {
	if n > 0 {
		s.rowBatchSize = n
	}
	return s
}

func (s *Store) ID() string { return s.id }

func (s *Store) Paths() Paths { return s.paths }

// Load reads the CVR's meta records. A CVR that was never written loads as
// version 00 with no clients and no queries.
func (s *Store) Load(ctx context.Context) (*CVR, error) {
	cvr := newCVR(s.id)
	entries, err := s.storage.List(ctx, storage.ListOptions{Prefix: s.paths.MetaPrefix()})
	if err != nil {
		return nil, fmt.Errorf("failed to load cvr %s: %w", s.id, err)
	}
	for _, e := range entries {
		switch {
		case e.Key == s.paths.Version():
			v, err := storage.Decode[Version](e.Key, e.Value, versionSchema)
			if err != nil {
				return nil, err
			}
			cvr.Version = v
		case e.Key == s.paths.LastActive():
			la, err := storage.Decode[LastActive](e.Key, e.Value, lastActiveSchema)
			if err != nil {
				return nil, err
			}
			cvr.LastActive = la
		case strings.HasPrefix(e.Key, s.paths.clientsPrefix()):
			c, err := storage.Decode[ClientRecord](e.Key, e.Value, clientRecordSchema)
			if err != nil {
				return nil, err
			}
			cvr.Clients[c.ID] = &c
		case strings.HasPrefix(e.Key, s.paths.queriesPrefix()):
			q, err := storage.Decode[QueryRecord](e.Key, e.Value, queryRecordSchema)
			if err != nil {
				return nil, err
			}
			cvr.Queries[q.ID] = &q
		}
	}
	s.log.Debug("loaded cvr", "entries", len(entries), "version", VersionString(cvr.Version))
	return cvr, nil
}

// LoadCVR loads the CVR with the given ID from s.
func LoadCVR(ctx context.Context, log *slog.Logger, s storage.DurableStorage, cvrID string) (*CVR, error) {
	return NewStore(log, s, cvrID).Load(ctx)
}

func (s *Store) put(key string, value any) {
	if err := s.writes.Put(context.Background(), key, value); err != nil && s.err == nil {
		s.err = fmt.Errorf("failed to encode %s: %w", key, err)
	}
}

func (s *Store) del(key string) {
	_ = s.writes.Del(context.Background(), key)
}

func (s *Store) PutVersion(v Version) { s.put(s.paths.Version(), v) }

func (s *Store) PutLastActive(la LastActive) { s.put(s.paths.LastActive(), la) }

func (s *Store) PutLastActiveIndex(epochMillis int64) {
	s.put(LastActiveIndex(s.id, epochMillis), map[string]string{"id": s.id})
}

func (s *Store) DelLastActiveIndex(epochMillis int64) {
	s.del(LastActiveIndex(s.id, epochMillis))
}

func (s *Store) PutClient(c *ClientRecord) { s.put(s.paths.Client(c.ID), c) }

func (s *Store) PutClientPatch(v Version, p MetadataPatch) {
	s.put(s.paths.ClientPatch(v, p.ID), p)
}

func (s *Store) PutQuery(q *QueryRecord) { s.put(s.paths.Query(q.ID), q) }

func (s *Store) DelQuery(queryID string) { s.del(s.paths.Query(queryID)) }

func (s *Store) PutQueryPatch(v Version, p MetadataPatch) {
	s.put(s.paths.QueryPatch(v, p.ID), p)
}

func (s *Store) DelQueryPatch(v Version, queryID string) {
	s.del(s.paths.QueryPatch(v, queryID))
}

func (s *Store) PutDesiredQueryPatch(v Version, p MetadataPatch) {
	s.put(s.paths.DesiredQueryPatch(v, p.ID, p.ClientID), p)
}

func (s *Store) DelDesiredQueryPatch(v Version, queryID, clientID string) {
	s.del(s.paths.DesiredQueryPatch(v, queryID, clientID))
}

func (s *Store) PutRowRecord(r RowRecord) { s.put(s.paths.Row(r.ID), r) }

func (s *Store) PutRowPatch(v Version, p RowPatch) { s.put(s.paths.RowPatch(v, p.ID), p) }

func (s *Store) DelRowPatch(v Version, id RowID) { s.del(s.paths.RowPatch(v, id)) }

func (s *Store) CancelPendingRowRecord(id RowID) { s.writes.CancelPending(s.paths.Row(id)) }

func (s *Store) CancelPendingRowPatch(v Version, id RowID) {
	s.writes.CancelPending(s.paths.RowPatch(v, id))
}

// GetPendingRowRecord returns the buffered write for a row record.
func (s *Store) GetPendingRowRecord(id RowID) (storage.Op, bool) {
	return s.writes.GetPending(s.paths.Row(id))
}

// PendingRowRecordEquals reports whether the buffered write for r.ID is a
// put of exactly r.
func (s *Store) PendingRowRecordEquals(r RowRecord) bool {
	op, ok := s.GetPendingRowRecord(r.ID)
	if !ok || op.Op != storage.OpPut {
		return false
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return false
	}
	var a, b any
	if json.Unmarshal(op.Value, &a) != nil || json.Unmarshal(raw, &b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func (s *Store) IsRowPatchPendingDelete(v Version, id RowID) bool {
	return s.writes.IsPendingDelete(s.paths.RowPatch(v, id))
}

func (s *Store) IsMetadataPatchPendingDelete(v Version, p MetadataPatch) bool {
	return s.writes.IsPendingDelete(s.paths.MetadataPatch(v, p))
}

func (s *Store) NumPendingWrites() int { return s.writes.PendingSize() }

// GetMultipleRowEntries reads row records, including buffered writes, keyed
// by RowIDHash.
func (s *Store) GetMultipleRowEntries(ctx context.Context, ids []RowID) (map[string]RowRecord, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.paths.Row(id)
	}
	entries, err := storage.GetEntriesTyped[RowRecord](ctx, s.writes, keys, rowRecordSchema)
	if err != nil {
		return nil, err
	}
	out := make(map[string]RowRecord, len(entries))
	for _, e := range entries {
		out[RowIDHash(e.Value.ID)] = e.Value
	}
	return out, nil
}

// CatchupRowPatches lists committed row patches at or after from.
func (s *Store) CatchupRowPatches(ctx context.Context, from Version) ([]RowPatchAt, error) {
	entries, err := storage.ListTyped[RowPatch](ctx, s.storage, storage.ListOptions{
		Prefix: s.paths.RowPatchPrefix(),
		Start:  &storage.StartOptions{Key: s.paths.RowPatchVersionPrefix(from)},
	}, rowPatchSchema)
	if err != nil {
		return nil, err
	}
	out := make([]RowPatchAt, 0, len(entries))
	for _, e := range entries {
		v, err := s.paths.VersionFromPatchPath(e.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, RowPatchAt{Patch: e.Value, Version: v})
	}
	return out, nil
}

// CatchupConfigPatches lists committed metadata patches at or after from.
func (s *Store) CatchupConfigPatches(ctx context.Context, from Version) ([]MetadataPatchAt, error) {
	entries, err := storage.ListTyped[MetadataPatch](ctx, s.storage, storage.ListOptions{
		Prefix: s.paths.MetadataPatchPrefix(),
		Start:  &storage.StartOptions{Key: s.paths.MetadataPatchVersionPrefix(from)},
	}, metadataPatchSchema)
	if err != nil {
		return nil, err
	}
	out := make([]MetadataPatchAt, 0, len(entries))
	for _, e := range entries {
		v, err := s.paths.VersionFromPatchPath(e.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, MetadataPatchAt{Patch: e.Value, Version: v})
	}
	return out, nil
}

// AllRowRecords scans committed row records, tombstones included.
func (s *Store) AllRowRecords(ctx context.Context) iter.Seq2[RowRecord, error] {
	return func(yield func(RowRecord, error) bool) {
		opts := storage.ListOptions{Prefix: s.paths.RowPrefix()}
		for batch, err := range storage.BatchScan[RowRecord](ctx, s.storage, opts, rowRecordSchema, s.rowBatchSize) {
			if err != nil {
				yield(RowRecord{}, err)
				return
			}
			for _, e := range batch {
				if !yield(e.Value, nil) {
					return
				}
			}
		}
	}
}

// Discard drops every buffered write.
func (s *Store) Discard() {
	s.err = nil
	s.writes.Clear()
}

// Flush commits buffered writes and flushes the underlying storage.
func (s *Store) Flush(ctx context.Context) error {
	if s.err != nil {
		err := s.err
		s.err = nil
		s.writes.Clear()
		return err
	}
	if err := s.writes.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush cvr writes: %w", err)
	}
	if err := s.storage.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush cvr storage: %w", err)
	}
	return nil
}
