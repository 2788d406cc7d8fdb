package transport

import "github.com/choplin/officestore/internal/command"

// Envelope types exchanged with the collaboration server.
const (
	TypeStorage       = "storage"
	TypeAck           = "ack"
	TypeUndeliverable = "undeliverable"
	TypeAnachronistic = "anachronistic"
	TypeCommands      = "commands"
	TypeSelection     = "selection"
)

// StorageMessage is a server-confirmed change to a document: either the
// acknowledgement of local commands or an update from a peer.
type StorageMessage struct {
	DocID         string            `json:"docId"`
	PartID        string            `json:"partId,omitempty"`
	Commands      []command.Command `json:"commands"`
	Selection     *Selection        `json:"selection,omitempty"`
	TimeMs        int64             `json:"timeMs"`
	UserID        string            `json:"userId"`
	StartRevision int64             `json:"startRevision"`
	EndRevision   int64             `json:"endRevision"`
	SID           string            `json:"sid"`
	EffectiveSID  string            `json:"effectiveSid"`
}

// Selection is a user's cursor position within a document part.
type Selection struct {
	PartID string `json:"partId"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
}

// Envelope is the single frame format on the socket.
type Envelope struct {
	Type        string            `json:"type"`
	DocID       string            `json:"docId,omitempty"`
	Storage     *StorageMessage   `json:"storage,omitempty"`
	Revision    int64             `json:"revision,omitempty"`
	BaseVersion int64             `json:"baseVersion,omitempty"`
	Commands    []command.Command `json:"commands,omitempty"`
	Selection   *Selection        `json:"selection,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}
