package viewsyncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kartikbazzad/bunbase/bunsync/internal/cvr"
	"github.com/kartikbazzad/bunbase/bunsync/internal/migration"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
)

const (
	layoutKey     = "/vs/storage_layout"
	cvrKeyRoot    = "/vs/cvr/"
	lastActiveKey = "/meta/lastActive"
	backfillBatch = 500
)

// StorageLayout describes the key layout written by the current schema.
type StorageLayout struct {
	Version         int    `json:"version"`
	CVRRoot         string `json:"cvrRoot"`
	LastActiveIndex string `json:"lastActiveIndex"`
}

// SchemaMigrations is the migration history of view-syncer storage.
// Version 2 makes version 1 the oldest server allowed to run on it.
var SchemaMigrations = migration.VersionMigrationMap{
	1: migration.Run(writeLayout),
	2: migration.BumpRollbackFloor(1),
	3: migration.Run(backfillLastActiveIndex),
}

// InitStorage brings s up to the latest view-syncer schema.
func InitStorage(ctx context.Context, log *slog.Logger, s storage.DurableStorage) error {
	return migration.InitStorageSchema(ctx, log, "view-syncer", s, SchemaMigrations)
}

func writeLayout(ctx context.Context, _ *slog.Logger, s storage.Storage) error {
	return s.Put(ctx, layoutKey, StorageLayout{
		Version:         1,
		CVRRoot:         cvrKeyRoot,
		LastActiveIndex: cvr.LastActiveIndexPrefix(),
	})
}

// backfillLastActiveIndex adds the per-day index entry for CVRs written
// before the index existed.
func backfillLastActiveIndex(ctx context.Context, log *slog.Logger, s storage.Storage) error {
	missing := map[string]int64{}
	opts := storage.ListOptions{Prefix: cvrKeyRoot}
	for e, err := range storage.Scan[json.RawMessage](ctx, s, opts, storage.AnyValue, backfillBatch) {
		if err != nil {
			return err
		}
		if !strings.HasSuffix(e.Key, lastActiveKey) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(e.Key, cvrKeyRoot), lastActiveKey)
		la, err := storage.Decode[cvr.LastActive](e.Key, e.Value, storage.AnyValue)
		if err != nil {
			return err
		}
		if la.EpochMillis > 0 {
			missing[id] = la.EpochMillis
		}
	}

	added := 0
	for id, ms := range missing {
		key := cvr.LastActiveIndex(id, ms)
		_, ok, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := s.Put(ctx, key, map[string]string{"id": id}); err != nil {
			return err
		}
		added++
	}
	log.Info("backfilled last active index", "cvrs", len(missing), "added", added)
	return nil
}
