package localstore

import (
	"reflect"

	"github.com/choplin/officestore/internal/kv"
)

// Entity is a keyed record whose key is taken from its properties.
type Entity struct {
	BaseRecord
	keyPath   []string
	storedKey kv.Key
}

func newEntity(rt RecordType, keyPath []string, props map[string]any, isNew bool) *Entity {
	e := &Entity{BaseRecord: newBaseRecord(rt, isNew, props), keyPath: keyPath}
	if !isNew {
		e.storedKey, _ = e.Key()
	}
	return e
}

// NewUser returns a new user record.
func NewUser(id string) *Entity {
	return newEntity(RecordUser, []string{"id"}, map[string]any{"id": id}, true)
}

// NewSyncObject returns a new sync object stored under keyPath.
func NewSyncObject(keyPath string) *Entity {
	return newEntity(RecordSyncObject, []string{"keyPath"}, map[string]any{"keyPath": keyPath}, true)
}

// NewComment returns a new comment on docID.
func NewComment(docID, id, state string) *Entity {
	return newEntity(RecordComment, []string{"state", "docId", "id"},
		map[string]any{"state": state, "docId": docID, "id": id}, true)
}

// NewFontMetadata returns a new font metadata record.
func NewFontMetadata(family string) *Entity {
	return newEntity(RecordFontMetadata, []string{"fontFamily"}, map[string]any{"fontFamily": family}, true)
}

// NewProfileData returns a new profile data record.
func NewProfileData(dataType string) *Entity {
	return newEntity(RecordProfileData, []string{"dataType"}, map[string]any{"dataType": dataType}, true)
}

// NewImpression returns a new impressions batch for docID.
func NewImpression(docID string, batchTime int64) *Entity {
	return newEntity(RecordImpression, []string{"docId", "batchTime"},
		map[string]any{"docId": docID, "batchTime": batchTime}, true)
}

// NewApplicationMetadata returns a new metadata record for docType.
func NewApplicationMetadata(docType string) *Entity {
	return newEntity(RecordApplicationMetadata, []string{"docType"}, map[string]any{"docType": docType}, true)
}

// NewPendingQueueRecord returns a new persisted pending queue for docID.
func NewPendingQueueRecord(docID string) *Entity {
	return newEntity(RecordPendingQueue, []string{"docId"}, map[string]any{"docId": docID}, true)
}

// Key returns the key built from the current properties.
func (e *Entity) Key() (kv.Key, error) {
	key := make(kv.Key, 0, len(e.keyPath))
	for _, field := range e.keyPath {
		part, err := kv.NormalizePart(e.props[field])
		if err != nil {
			return nil, err
		}
		key = append(key, part)
	}
	return key, nil
}

// String returns a string property.
func (e *Entity) String(name string) string { return e.stringProp(name) }

// Int64 returns an integer property.
func (e *Entity) Int64(name string) int64 { return e.int64Prop(name) }

// Bool returns a boolean property.
func (e *Entity) Bool(name string) bool {
	b, _ := e.props[name].(bool)
	return b
}

func (e *Entity) moved() (kv.Key, bool) {
	if e.isNew || e.storedKey == nil {
		return nil, false
	}
	key, err := e.Key()
	if err != nil || reflect.DeepEqual(key, e.storedKey) {
		return nil, false
	}
	return e.storedKey, true
}

// Commit implements Record.
func (e *Entity) Commit() {
	e.BaseRecord.Commit()
	if key, err := e.Key(); err == nil {
		e.storedKey = key
	}
}
