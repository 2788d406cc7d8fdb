package localstore

// Document property names.
const (
	propID                 = "id"
	propDocType            = "docType"
	propTitle              = "title"
	propLastSyncedRevision = "lastSyncedRevision"
	propCreated            = "created"
)

// Document is a command-based document record. Its content is the ordered
// list of command batches stored for it; the record itself carries only
// properties.
type Document struct {
	BaseRecord

	queue        *CommandQueue
	staging      bool
	commitStaged bool
	initialized  bool
	disposed     bool

	inFlight        []CommandBatch
	inFlightReplace bool
}

func newDocument(props map[string]any, isNew bool) *Document {
	return &Document{
		BaseRecord:  newBaseRecord(RecordDocument, isNew, props),
		queue:       NewCommandQueue(),
		initialized: !isNew,
	}
}

// ID is the server document id.
func (d *Document) ID() string { return d.stringProp(propID) }

// DocumentType names the editor the document belongs to.
func (d *Document) DocumentType() string { return d.stringProp(propDocType) }

// Title returns the display title.
func (d *Document) Title() string { return d.stringProp(propTitle) }

// SetTitle updates the display title.
func (d *Document) SetTitle(title string) { d.SetProperty(propTitle, title) }

// LastSyncedRevision is the newest server revision folded into the stored
// commands.
func (d *Document) LastSyncedRevision() int64 { return d.int64Prop(propLastSyncedRevision) }

// SetLastSyncedRevision records the newest folded server revision.
func (d *Document) SetLastSyncedRevision(rev int64) { d.SetProperty(propLastSyncedRevision, rev) }

// IsCreated reports whether the server has confirmed the document exists.
func (d *Document) IsCreated() bool {
	b, _ := d.props[propCreated].(bool)
	return b
}

// MarkCreated records that the server confirmed the document.
func (d *Document) MarkCreated() { d.SetProperty(propCreated, true) }

// IsInitialized reports whether the document was hydrated from storage.
func (d *Document) IsInitialized() bool { return d.initialized }

// Queue returns the unwritten command queue.
func (d *Document) Queue() *CommandQueue { return d.queue }

// AddCommandBatch queues b for the next write.
func (d *Document) AddCommandBatch(b CommandBatch, replace bool) {
	if d.disposed {
		invariant("command batch added to disposed document %s", d.ID())
	}
	d.queue.AddBatch(b, replace)
}

// SetStagingCommands routes subsequent command writes to the staged store.
func (d *Document) SetStagingCommands(v bool) { d.staging = v }

// IsStagingCommands reports whether command writes go to the staged store.
func (d *Document) IsStagingCommands() bool { return d.staging }

// CommitStagedCommands schedules promotion of staged commands on the next
// write. The queue must be empty by then.
func (d *Document) CommitStagedCommands() { d.commitStaged = true }

// ShouldCommitStagedCommands reports whether the next write promotes
// staged commands.
func (d *Document) ShouldCommitStagedCommands() bool { return d.commitStaged }

// IsModified also counts queued commands and a pending unstage.
func (d *Document) IsModified() bool {
	return d.BaseRecord.IsModified() || !d.queue.IsEmpty() || d.commitStaged
}

// Commit implements Record. It also ends staging after a promotion.
func (d *Document) Commit() {
	d.BaseRecord.Commit()
	if d.commitStaged {
		d.commitStaged = false
		d.staging = false
	}
	d.inFlight, d.inFlightReplace = nil, false
}

// Revert hands batches drained by a failed write back to the queue.
func (d *Document) Revert() {
	d.queue.Restore(d.inFlight, d.inFlightReplace)
	d.inFlight, d.inFlightReplace = nil, false
}

// Dispose releases the document. Further batches are a programmer error.
func (d *Document) Dispose() {
	d.disposed = true
	d.queue.GetUnwrittenCommands()
}

func (d *Document) holdInFlight(batches []CommandBatch, replace bool) {
	d.inFlight = append(d.inFlight, batches...)
	d.inFlightReplace = d.inFlightReplace || replace
}
