package localstore

import (
	"fmt"

	"github.com/choplin/officestore/internal/kv"
)

// OperationType is the kind of mutation an Operation performs.
type OperationType string

const (
	OpUpdateRecord              OperationType = "UPDATE_RECORD"
	OpDeleteRecord              OperationType = "DELETE_RECORD"
	OpAppendCommands            OperationType = "APPEND_COMMANDS"
	OpUnstageCommands           OperationType = "UNSTAGE_COMMANDS"
	OpUpdateApplicationMetadata OperationType = "UPDATE_APPLICATION_METADATA"
)

// LockLevel is the lease a document operation needs.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockOwner
)

func (l LockLevel) String() string {
	if l == LockOwner {
		return "OWNER"
	}
	return "NONE"
}

// DocumentLockRequirement is the lock an operation on a document needs.
type DocumentLockRequirement struct {
	Level LockLevel
}

// Operation is an immutable description of one storage mutation.
type Operation struct {
	opType        OperationType
	recordType    RecordType
	key           kv.Key
	modifications map[string]any
	isNew         bool
	docID         string
	batches       []CommandBatch
	replace       bool
	staging       bool
	lock          LockLevel
}

// NewUpdateRecordOperation writes modifications to the record under key.
// When isNew is set the modifications replace any stored value.
func NewUpdateRecordOperation(rt RecordType, key kv.Key, modifications map[string]any, isNew bool) *Operation {
	return &Operation{
		opType:        OpUpdateRecord,
		recordType:    rt,
		key:           append(kv.Key(nil), key...),
		modifications: copyProps(modifications),
		isNew:         isNew,
	}
}

// NewDeleteRecordOperation removes the record under key.
func NewDeleteRecordOperation(rt RecordType, key kv.Key) *Operation {
	return &Operation{opType: OpDeleteRecord, recordType: rt, key: append(kv.Key(nil), key...)}
}

// NewAppendCommandsOperation appends batches to a document's live or staged
// commands, first discarding the existing ones when replace is set.
func NewAppendCommandsOperation(docID string, batches []CommandBatch, replace, staging bool) *Operation {
	return &Operation{
		opType:     OpAppendCommands,
		recordType: RecordDocument,
		key:        kv.Key{docID},
		docID:      docID,
		batches:    copyBatches(batches),
		replace:    replace,
		staging:    staging,
	}
}

// NewUnstageCommandsOperation promotes a document's staged commands to live.
func NewUnstageCommandsOperation(docID string) *Operation {
	return &Operation{opType: OpUnstageCommands, recordType: RecordDocument, key: kv.Key{docID}, docID: docID}
}

// NewUpdateApplicationMetadataOperation merges modifications into the
// metadata of docType.
func NewUpdateApplicationMetadataOperation(docType string, modifications map[string]any) *Operation {
	return &Operation{
		opType:        OpUpdateApplicationMetadata,
		recordType:    RecordApplicationMetadata,
		key:           kv.Key{docType},
		modifications: copyProps(modifications),
	}
}

// WithLockRequirement returns a copy of o requiring level.
func (o *Operation) WithLockRequirement(level LockLevel) *Operation {
	c := *o
	c.key = append(kv.Key(nil), o.key...)
	c.modifications = copyProps(o.modifications)
	c.batches = copyBatches(o.batches)
	c.lock = level
	return &c
}

// Type returns the operation kind.
func (o *Operation) Type() OperationType { return o.opType }

// RecordType returns the record family the operation targets.
func (o *Operation) RecordType() RecordType { return o.recordType }

// Key returns a copy of the record key.
func (o *Operation) Key() kv.Key { return append(kv.Key(nil), o.key...) }

// Modifications returns a copy of the properties to write.
func (o *Operation) Modifications() map[string]any { return copyProps(o.modifications) }

// IsNew reports whether the record is being created.
func (o *Operation) IsNew() bool { return o.isNew }

// DocumentID returns the document a command operation targets.
func (o *Operation) DocumentID() string { return o.docID }

// Batches returns a copy of the command batches to append.
func (o *Operation) Batches() []CommandBatch { return copyBatches(o.batches) }

// Replace reports whether the batches replace the stored commands.
func (o *Operation) Replace() bool { return o.replace }

// Staging reports whether the batches go to the staged store.
func (o *Operation) Staging() bool { return o.staging }

// LockRequirement returns the lease the operation needs.
func (o *Operation) LockRequirement() LockLevel { return o.lock }

func (o *Operation) String() string {
	switch o.opType {
	case OpAppendCommands:
		return fmt.Sprintf("%s(%s batches=%d replace=%t staging=%t)", o.opType, o.docID, len(o.batches), o.replace, o.staging)
	case OpUnstageCommands:
		return fmt.Sprintf("%s(%s)", o.opType, o.docID)
	default:
		return fmt.Sprintf("%s(%s %s)", o.opType, o.recordType, o.key)
	}
}

func copyProps(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyBatches(in []CommandBatch) []CommandBatch {
	if in == nil {
		return nil
	}
	out := make([]CommandBatch, len(in))
	for i, b := range in {
		out[i] = b.clone()
	}
	return out
}
