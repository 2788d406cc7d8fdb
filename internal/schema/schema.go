// Package schema declares the object stores and indices of every local
// database version and the ordered migration chain between them.
package schema

import (
	"errors"
	"fmt"
	"sort"
)

// StoreName names an object store.
type StoreName string

const (
	Users               StoreName = "users"
	Documents           StoreName = "documents"
	DocumentLocks       StoreName = "document_locks"
	PendingQueues       StoreName = "pending_queues"
	DocumentCommands    StoreName = "document_commands"
	StagedCommands      StoreName = "staged_commands"
	ApplicationMetadata StoreName = "application_metadata"
	Comments            StoreName = "comments"
	FontMetadata        StoreName = "font_metadata"
	SyncObjects         StoreName = "sync_objects"
	ProfileData         StoreName = "profile_data"
	Impressions         StoreName = "impressions"
)

// Index names.
const (
	DocumentsByType = "by_type"
	CommentsState   = "comments_state"
)

// LatestVersion is the schema version new databases are created at.
const LatestVersion = 6

// ErrSchemaIncompatible is returned when the stored database cannot be
// brought to the requested version in place.
var ErrSchemaIncompatible = errors.New("schema: incompatible database version")

// IndexDef is a secondary index over fields of the stored value.
type IndexDef struct {
	Name    string
	KeyPath []string
}

// StoreDef is an object store whose primary key is built from KeyPath.
type StoreDef struct {
	Name    StoreName
	KeyPath []string
	Indexes []IndexDef
}

// Index looks up an index by name.
func (s StoreDef) Index(name string) (IndexDef, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDef{}, false
}

// IndexSpace is the physical keyspace holding an index.
func IndexSpace(store StoreName, index string) string {
	return string(store) + "__" + index
}

// MigrationStep moves a database from From to To by creating Stores.
// Upgradable is false when an existing From database cannot be migrated in
// place and must be recreated.
type MigrationStep struct {
	From        int
	To          int
	Upgradable  bool
	Description string
	Stores      []StoreDef
}

var steps = []MigrationStep{
	{
		From: 0, To: 1, Upgradable: true,
		Description: "users, documents, locks and pending queues",
		Stores: []StoreDef{
			{Name: Users, KeyPath: []string{"id"}},
			{Name: Documents, KeyPath: []string{"id"}, Indexes: []IndexDef{
				{Name: DocumentsByType, KeyPath: []string{"docType"}},
			}},
			{Name: DocumentLocks, KeyPath: []string{"docId"}},
			{Name: PendingQueues, KeyPath: []string{"docId"}},
		},
	},
	{
		From: 1, To: 2, Upgradable: true,
		Description: "live and staged command batches",
		Stores: []StoreDef{
			{Name: DocumentCommands, KeyPath: []string{"docId", "partId", "revision", "chunkIndex"}},
			{Name: StagedCommands, KeyPath: []string{"docId", "partId", "revision", "chunkIndex"}},
		},
	},
	{
		From: 2, To: 3, Upgradable: true,
		Description: "application metadata per document type",
		Stores: []StoreDef{
			{Name: ApplicationMetadata, KeyPath: []string{"docType"}},
		},
	},
	{
		From: 3, To: 4, Upgradable: true,
		Description: "comments and font metadata",
		Stores: []StoreDef{
			{Name: Comments, KeyPath: []string{"state", "docId", "id"}, Indexes: []IndexDef{
				{Name: CommentsState, KeyPath: []string{"state", "docId"}},
			}},
			{Name: FontMetadata, KeyPath: []string{"fontFamily"}},
		},
	},
	{
		From: 4, To: 5, Upgradable: true,
		Description: "sync objects",
		Stores: []StoreDef{
			{Name: SyncObjects, KeyPath: []string{"keyPath"}},
		},
	},
	{
		From: 5, To: 6, Upgradable: false,
		Description: "profile data and impressions",
		Stores: []StoreDef{
			{Name: ProfileData, KeyPath: []string{"dataType"}},
			{Name: Impressions, KeyPath: []string{"docId", "batchTime"}},
		},
	},
}

// Steps returns the full migration chain in order.
func Steps() []MigrationStep {
	return append([]MigrationStep(nil), steps...)
}

// Plan returns the steps that take a database at current to target. A
// current version of 0 means no database exists and every step up to target
// is applied as a fresh initialization.
//
// Engines commit each step on its own, not the whole plan at once. A crash
// or cancellation mid-upgrade leaves the database at the last committed
// step, which is a valid version of its own; the next open plans from there.
func Plan(current, target int) ([]MigrationStep, error) {
	if target < 1 || target > LatestVersion {
		return nil, fmt.Errorf("schema: unknown target version %d", target)
	}
	if current < 0 || current > LatestVersion {
		return nil, fmt.Errorf("%w: stored version %d is not known", ErrSchemaIncompatible, current)
	}
	if current > target {
		return nil, fmt.Errorf("%w: stored version %d is newer than %d", ErrSchemaIncompatible, current, target)
	}

	var plan []MigrationStep
	for _, step := range steps {
		if step.From < current || step.To > target {
			continue
		}
		if current > 0 && !step.Upgradable {
			return nil, fmt.Errorf("%w: version %d cannot be upgraded to %d", ErrSchemaIncompatible, step.From, step.To)
		}
		plan = append(plan, step)
	}
	return plan, nil
}

// StoresAt returns every store that exists at version, in creation order.
func StoresAt(version int) []StoreDef {
	var out []StoreDef
	for _, step := range steps {
		if step.To > version {
			break
		}
		out = append(out, step.Stores...)
	}
	return out
}

// Lookup finds a store definition at version.
func Lookup(version int, name StoreName) (StoreDef, bool) {
	for _, def := range StoresAt(version) {
		if def.Name == name {
			return def, true
		}
	}
	return StoreDef{}, false
}

// Spaces lists the physical keyspaces backing defs, sorted.
func Spaces(defs []StoreDef) []string {
	var out []string
	for _, def := range defs {
		out = append(out, string(def.Name))
		for _, idx := range def.Indexes {
			out = append(out, IndexSpace(def.Name, idx.Name))
		}
	}
	sort.Strings(out)
	return out
}
