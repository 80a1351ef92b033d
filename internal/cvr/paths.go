package cvr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
)

const (
	cvrRoot             = "/vs/cvr/"
	lastActiveIndexRoot = "/vs/lastActive/"
)

// Paths builds every storage key of one CVR.
//
//	/vs/cvr/{id}/meta/version
//	/vs/cvr/{id}/meta/lastActive
//	/vs/cvr/{id}/meta/clients/{clientID}
//	/vs/cvr/{id}/meta/queries/{queryID}
//	/vs/cvr/{id}/data/rows/{schema}/{table}/{rowHash}
//	/vs/cvr/{id}/patches/meta/{version}/clients/{clientID}
//	/vs/cvr/{id}/patches/meta/{version}/queries/{queryID}
//	/vs/cvr/{id}/patches/meta/{version}/queries/{queryID}/clients/{clientID}
//	/vs/cvr/{id}/patches/data/{version}/rows/{schema}/{table}/{rowHash}
//	/vs/lastActive/{yyyy-mm-dd}/{id}
type Paths struct {
	root string
}

func NewPaths(cvrID string) Paths {
	return Paths{root: cvrRoot + cvrID + "/"}
}

func (p Paths) MetaPrefix() string { return p.root + "meta/" }

func (p Paths) Version() string { return p.MetaPrefix() + "version" }

func (p Paths) LastActive() string { return p.MetaPrefix() + "lastActive" }

func (p Paths) clientsPrefix() string { return p.MetaPrefix() + "clients/" }

func (p Paths) queriesPrefix() string { return p.MetaPrefix() + "queries/" }

func (p Paths) Client(clientID string) string { return p.clientsPrefix() + clientID }

func (p Paths) Query(queryID string) string { return p.queriesPrefix() + queryID }

func (p Paths) RowPrefix() string { return p.root + "data/rows/" }

func (p Paths) Row(id RowID) string {
	return p.RowPrefix() + rowSuffix(id)
}

func (p Paths) MetadataPatchPrefix() string { return p.root + "patches/meta/" }

func (p Paths) MetadataPatchVersionPrefix(v Version) string {
	return p.MetadataPatchPrefix() + VersionString(v)
}

func (p Paths) ClientPatch(v Version, clientID string) string {
	return p.MetadataPatchVersionPrefix(v) + "/clients/" + clientID
}

func (p Paths) QueryPatch(v Version, queryID string) string {
	return p.MetadataPatchVersionPrefix(v) + "/queries/" + queryID
}

func (p Paths) DesiredQueryPatch(v Version, queryID, clientID string) string {
	return p.QueryPatch(v, queryID) + "/clients/" + clientID
}

// MetadataPatch is the key a stored metadata patch lives at.
func (p Paths) MetadataPatch(v Version, patch MetadataPatch) string {
	switch {
	case patch.Type == PatchClient:
		return p.ClientPatch(v, patch.ID)
	case patch.ClientID != "":
		return p.DesiredQueryPatch(v, patch.ID, patch.ClientID)
	default:
		return p.QueryPatch(v, patch.ID)
	}
}

func (p Paths) RowPatchPrefix() string { return p.root + "patches/data/" }

func (p Paths) RowPatchVersionPrefix(v Version) string {
	return p.RowPatchPrefix() + VersionString(v)
}

func (p Paths) RowPatch(v Version, id RowID) string {
	return p.RowPatchVersionPrefix(v) + "/rows/" + rowSuffix(id)
}

// VersionFromPatchPath parses the version segment of a metadata or row
// patch key.
func (p Paths) VersionFromPatchPath(key string) (Version, error) {
	var rest string
	switch {
	case strings.HasPrefix(key, p.MetadataPatchPrefix()):
		rest = key[len(p.MetadataPatchPrefix()):]
	case strings.HasPrefix(key, p.RowPatchPrefix()):
		rest = key[len(p.RowPatchPrefix()):]
	default:
		return Version{}, fmt.Errorf("%w: %s is not a patch path", errors.ErrInvalidVersion, key)
	}
	v, _, _ := strings.Cut(rest, "/")
	return VersionFromString(v)
}

func rowSuffix(id RowID) string {
	return id.Schema + "/" + id.Table + "/" + RowIDHash(id)
}

// RowIDHash is the base-36 xxhash64 of the JSON [schema, table, rowKey].
// Row key columns are serialized in sorted order.
func RowIDHash(id RowID) string {
	b, err := json.Marshal([]any{id.Schema, id.Table, id.RowKey})
	if err != nil {
		panic(err)
	}
	return strconv.FormatUint(xxhash.Sum64(b), 36)
}

// LastActiveIndex is the per-day index entry used to find idle CVRs.
func LastActiveIndex(cvrID string, epochMillis int64) string {
	day := time.UnixMilli(epochMillis).UTC().Format(time.DateOnly)
	return lastActiveIndexRoot + day + "/" + cvrID
}

func LastActiveIndexPrefix() string { return lastActiveIndexRoot }
