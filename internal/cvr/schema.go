package cvr

import "github.com/kartikbazzad/bunbase/bunsync/internal/storage"

const versionDef = `{
	"type": "object",
	"required": ["stateVersion"],
	"properties": {
		"stateVersion": {"type": "string", "minLength": 2},
		"minorVersion": {"type": "integer", "minimum": 0}
	}
}`

var (
	versionSchema = storage.MustJSONSchema(versionDef)

	lastActiveSchema = storage.MustJSONSchema(`{
		"type": "object",
		"required": ["epochMillis"],
		"properties": {"epochMillis": {"type": "integer"}}
	}`)

	clientRecordSchema = storage.MustJSONSchema(`{
		"type": "object",
		"required": ["id", "patchVersion", "desiredQueryIDs"],
		"properties": {
			"id": {"type": "string"},
			"patchVersion": ` + versionDef + `,
			"desiredQueryIDs": {"type": "array", "items": {"type": "string"}}
		}
	}`)

	queryRecordSchema = storage.MustJSONSchema(`{
		"type": "object",
		"required": ["id", "ast"],
		"properties": {
			"id": {"type": "string"},
			"ast": {"type": "object", "required": ["table"]},
			"transformationHash": {"type": "string"},
			"transformationVersion": ` + versionDef + `,
			"patchVersion": ` + versionDef + `,
			"desiredBy": {"type": "object", "additionalProperties": ` + versionDef + `},
			"internal": {"type": "boolean"}
		}
	}`)

	rowIDDef = `{
		"type": "object",
		"required": ["schema", "table", "rowKey"],
		"properties": {
			"schema": {"type": "string"},
			"table": {"type": "string"},
			"rowKey": {"type": "object"}
		}
	}`

	rowRecordSchema = storage.MustJSONSchema(`{
		"type": "object",
		"required": ["id", "rowVersion", "patchVersion", "queriedColumns"],
		"properties": {
			"id": ` + rowIDDef + `,
			"rowVersion": {"type": "string"},
			"patchVersion": ` + versionDef + `,
			"queriedColumns": {
				"type": ["object", "null"],
				"additionalProperties": {"type": "array", "items": {"type": "string"}}
			}
		}
	}`)

	rowPatchSchema = storage.MustJSONSchema(`{
		"type": "object",
		"required": ["type", "op", "id"],
		"properties": {
			"type": {"const": "row"},
			"op": {"enum": ["put", "del"]},
			"id": ` + rowIDDef + `,
			"rowVersion": {"type": "string"},
			"columns": {"type": "array", "items": {"type": "string"}}
		}
	}`)

	metadataPatchSchema = storage.MustJSONSchema(`{
		"type": "object",
		"required": ["type", "op", "id"],
		"properties": {
			"type": {"enum": ["client", "query"]},
			"op": {"enum": ["put", "del"]},
			"id": {"type": "string"},
			"clientID": {"type": "string"}
		}
	}`)
)
