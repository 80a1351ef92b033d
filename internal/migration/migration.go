// Package migration runs forward-only storage schema migrations guarded by
// a rollback floor. The same runner serves every durable storage.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"slices"
	"strconv"

	bserrors "github.com/kartikbazzad/bunbase/bunsync/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunsync/internal/storage"
)

// SchemaMetaKey holds the Meta record of a storage.
const SchemaMetaKey = "/storage_schema_meta"

// Meta is the persisted schema state.
type Meta struct {
	Version                int `json:"version"`
	MaxVersion             int `json:"maxVersion"`
	MinSafeRollbackVersion int `json:"minSafeRollbackVersion"`
}

var metaSchema = storage.MustJSONSchema(`{
	"type": "object",
	"properties": {
		"version": {"type": "integer", "minimum": 0},
		"maxVersion": {"type": "integer", "minimum": 0},
		"minSafeRollbackVersion": {"type": "integer", "minimum": 0}
	},
	"required": ["version", "maxVersion", "minSafeRollbackVersion"]
}`)

// MigrateFunc mutates storage for one schema version.
type MigrateFunc func(ctx context.Context, log *slog.Logger, s storage.Storage) error

type kind int

const (
	kindRun kind = iota
	kindFloor
)

// Migration is either a function run against storage or a rollback floor bump.
type Migration struct {
	kind  kind
	pre   MigrateFunc
	run   MigrateFunc
	floor int
}

// Run migrates data. Its writes commit together with the version bump.
func Run(fn MigrateFunc) Migration {
	return Migration{kind: kindRun, run: fn}
}

// RunWithPre is Run with a preparation step executed directly on the
// durable storage before the migration transaction starts.
func RunWithPre(pre, fn MigrateFunc) Migration {
	return Migration{kind: kindRun, pre: pre, run: fn}
}

// BumpRollbackFloor raises minSafeRollbackVersion without touching data.
func BumpRollbackFloor(minSafeRollbackVersion int) Migration {
	return Migration{kind: kindFloor, floor: minSafeRollbackVersion}
}

// VersionMigrationMap maps destination versions to their migrations.
type VersionMigrationMap map[int]Migration

// GetMeta reads the schema meta, defaulting to all zeros.
func GetMeta(ctx context.Context, s storage.Storage) (Meta, error) {
	meta, ok, err := storage.GetTyped[Meta](ctx, s, SchemaMetaKey, metaSchema)
	if err != nil {
		return Meta{}, err
	}
	if !ok {
		return Meta{}, nil
	}
	return meta, nil
}

func setVersion(ctx context.Context, s storage.Storage, prev Meta, version int) (Meta, error) {
	meta := prev
	meta.Version = version
	meta.MaxVersion = max(version, prev.MaxVersion)
	if err := s.Put(ctx, SchemaMetaKey, meta); err != nil {
		return prev, err
	}
	return meta, nil
}

// InitStorageSchema brings s to the highest version in migrations.
//
// Storage ahead of the code is reset to the code version. Code older than the
// rollback floor is refused with ErrRollbackLimit. Each pending migration is
// applied in ascending order and committed together with its version bump;
// the first failure aborts the sequence with ErrMigrationFailed.
func InitStorageSchema(ctx context.Context, log *slog.Logger, debugName string, s storage.DurableStorage, migrations VersionMigrationMap) (err error) {
	log = log.With("initSchema", strconv.FormatInt(rand.Int63(), 36), "storage", debugName)
	defer func() {
		if err != nil {
			log.Error("error in initStorageSchema", "error", err)
			metrics.IncMigration(debugName, "error")
		}
	}()

	versions := slices.Sorted(maps.Keys(migrations))
	if len(versions) == 0 {
		log.Info("no versions/migrations to manage")
		return nil
	}
	codeVersion := versions[len(versions)-1]
	log.Info(fmt.Sprintf("checking schema for compatibility with %s at schema v%d", debugName, codeVersion))

	meta, err := GetMeta(ctx, s)
	if err != nil {
		return err
	}
	if codeVersion < meta.MinSafeRollbackVersion {
		return fmt.Errorf("%w: Cannot run %s at schema v%d because rollback limit is v%d",
			bserrors.ErrRollbackLimit, debugName, codeVersion, meta.MinSafeRollbackVersion)
	}

	if meta.Version > codeVersion {
		log.Info(fmt.Sprintf("schema is at v%d, resetting to v%d", meta.Version, codeVersion))
		if meta, err = setVersion(ctx, s, meta, codeVersion); err != nil {
			return err
		}
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}

	for _, dest := range versions {
		if meta.Version >= dest {
			continue
		}
		log.Info(fmt.Sprintf("migrating schema from v%d to v%d", meta.Version, dest))
		m := migrations[dest]
		if m.pre != nil {
			if err := m.pre(ctx, log, s); err != nil {
				return fmt.Errorf("%w: pre-migration to v%d: %w", bserrors.ErrMigrationFailed, dest, err)
			}
		}
		if meta, err = migrateTo(ctx, log, s, dest, m); err != nil {
			return fmt.Errorf("%w: v%d: %w", bserrors.ErrMigrationFailed, dest, err)
		}
		metrics.IncMigration(debugName, "ok")
	}

	if meta.Version != codeVersion {
		return fmt.Errorf("%w: ended at v%d, expected v%d", bserrors.ErrMigrationFailed, meta.Version, codeVersion)
	}
	log.Info(fmt.Sprintf("running %s at schema v%d", debugName, codeVersion))
	return nil
}

// migrateTo runs one migration in its own EntryCache so that a failure
// leaves nothing behind. The flush of the version bump is the commit point.
func migrateTo(ctx context.Context, log *slog.Logger, s storage.DurableStorage, dest int, m Migration) (Meta, error) {
	tx := storage.NewEntryCache(s)

	meta, err := GetMeta(ctx, tx)
	if err != nil {
		return Meta{}, err
	}
	if meta.Version >= dest {
		return meta, nil
	}

	switch m.kind {
	case kindRun:
		if err := m.run(ctx, log, tx); err != nil {
			return Meta{}, err
		}
	case kindFloor:
		if meta, err = ensureRollbackLimit(log, meta, m.floor); err != nil {
			return Meta{}, err
		}
	}

	if meta, err = setVersion(ctx, tx, meta, dest); err != nil {
		return Meta{}, err
	}
	if err := tx.Flush(ctx); err != nil {
		return Meta{}, err
	}
	if err := s.Flush(ctx); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// ensureRollbackLimit raises the floor to at least toAtLeast. The floor
// never moves backwards and never passes the version about to run.
func ensureRollbackLimit(log *slog.Logger, meta Meta, toAtLeast int) (Meta, error) {
	if toAtLeast > meta.Version+1 {
		return meta, fmt.Errorf("rollback limit v%d is beyond next version v%d", toAtLeast, meta.Version+1)
	}
	if meta.MinSafeRollbackVersion >= toAtLeast {
		log.Debug(fmt.Sprintf("rollback limit is already at %d, don't need to bump to %d", meta.MinSafeRollbackVersion, toAtLeast))
		return meta, nil
	}
	log.Info(fmt.Sprintf("bumping rollback limit from %d to %d", meta.MinSafeRollbackVersion, toAtLeast))
	meta.MinSafeRollbackVersion = toAtLeast
	return meta, nil
}
