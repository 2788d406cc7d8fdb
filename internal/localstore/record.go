package localstore

import (
	"reflect"
	"sort"
)

// RecordType identifies the store family a record belongs to.
type RecordType string

const (
	RecordUser                RecordType = "USER"
	RecordDocument            RecordType = "DOCUMENT"
	RecordApplicationMetadata RecordType = "APPLICATION_METADATA"
	RecordPendingQueue        RecordType = "PENDING_QUEUE"
	RecordSyncObject          RecordType = "SYNC_OBJECT"
	RecordComment             RecordType = "COMMENT"
	RecordFontMetadata        RecordType = "FONT_METADATA"
	RecordProfileData         RecordType = "PROFILE_DATA"
	RecordImpression          RecordType = "IMPRESSION"
)

// Record is an in-memory domain object with dirty tracking.
type Record interface {
	RecordType() RecordType
	IsNew() bool
	IsModified() bool
	IsToBeDeleted() bool
	ShouldWriteIfClean() bool
	DirtyProperties() map[string]any
	Commit()
}

// Reverter is implemented by records that hand work to an operation and
// need it back when the write fails.
type Reverter interface {
	Revert()
}

func needsWrite(r Record) bool {
	return r.IsNew() || r.IsModified() || r.IsToBeDeleted() || r.ShouldWriteIfClean()
}

// BaseRecord stores properties generically and tracks which changed since
// the last commit.
type BaseRecord struct {
	recordType   RecordType
	isNew        bool
	toBeDeleted  bool
	writeIfClean bool
	props        map[string]any
	dirty        map[string]struct{}
}

func newBaseRecord(t RecordType, isNew bool, props map[string]any) BaseRecord {
	b := BaseRecord{
		recordType: t,
		isNew:      isNew,
		props:      make(map[string]any, len(props)),
		dirty:      make(map[string]struct{}),
	}
	for k, v := range props {
		b.props[k] = v
	}
	return b
}

// RecordType implements Record.
func (r *BaseRecord) RecordType() RecordType { return r.recordType }

// IsNew reports whether the record was never written.
func (r *BaseRecord) IsNew() bool { return r.isNew }

// IsModified reports whether a property changed since the last commit.
func (r *BaseRecord) IsModified() bool { return len(r.dirty) > 0 }

// IsToBeDeleted reports whether the next write deletes the record.
func (r *BaseRecord) IsToBeDeleted() bool { return r.toBeDeleted }

// ShouldWriteIfClean reports whether the next write is forced.
func (r *BaseRecord) ShouldWriteIfClean() bool { return r.writeIfClean }

// SetWriteIfClean forces the next write to persist the record even when no
// property changed.
func (r *BaseRecord) SetWriteIfClean(v bool) { r.writeIfClean = v }

// MarkToBeDeleted schedules the record for deletion on the next write.
func (r *BaseRecord) MarkToBeDeleted() { r.toBeDeleted = true }

// Property returns the current value of name.
func (r *BaseRecord) Property(name string) any { return r.props[name] }

// SetProperty updates name and marks it dirty when the value changed.
func (r *BaseRecord) SetProperty(name string, v any) {
	if old, ok := r.props[name]; ok && reflect.DeepEqual(old, v) {
		return
	}
	r.props[name] = v
	r.dirty[name] = struct{}{}
}

// Properties returns a copy of every property.
func (r *BaseRecord) Properties() map[string]any {
	out := make(map[string]any, len(r.props))
	for k, v := range r.props {
		out[k] = v
	}
	return out
}

// DirtyProperties returns a copy of the properties changed since the last
// commit.
func (r *BaseRecord) DirtyProperties() map[string]any {
	out := make(map[string]any, len(r.dirty))
	for k := range r.dirty {
		out[k] = r.props[k]
	}
	return out
}

// DirtyNames returns the sorted names of dirty properties.
func (r *BaseRecord) DirtyNames() []string {
	names := make([]string, 0, len(r.dirty))
	for k := range r.dirty {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Commit marks the in-memory state as persisted.
func (r *BaseRecord) Commit() {
	r.dirty = make(map[string]struct{})
	r.isNew = false
	r.writeIfClean = false
}

func (r *BaseRecord) stringProp(name string) string {
	s, _ := r.props[name].(string)
	return s
}

func (r *BaseRecord) int64Prop(name string) int64 {
	switch n := r.props[name].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
