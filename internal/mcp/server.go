package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/choplin/officestore/internal/usecase"
)

// Server exposes read-only inspection of the local store over MCP.
type Server struct {
	server    *mcp.Server
	inspector *usecase.Inspector
}

// NewServer creates a new MCP server instance
func NewServer(inspector *usecase.Inspector, version string) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "officestore",
		Version: version,
	}, nil)

	s := &Server{
		server:    mcpServer,
		inspector: inspector,
	}

	// Register tools
	s.registerTools()

	return s
}

// Run serves MCP over stdio until ctx is done or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves MCP over t. Tests use it with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "store_info",
		Description: "Show the schema version, object stores and document count of the local store",
	}, s.handleStoreInfo)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_documents",
		Description: "List stored documents with their synced revision, batch counts and lock holder",
	}, s.handleListDocuments)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "read_commands",
		Description: "Read the stored command batches of one document part in replay order",
	}, s.handleReadCommands)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "pending_status",
		Description: "Show the local edits of a document not yet acknowledged by the server",
	}, s.handlePendingStatus)
}

// Input/Output types for each tool

type StoreInfoInput struct{}

type StoreInfoOutput struct {
	Version       int      `json:"version"`
	LatestVersion int      `json:"latestVersion"`
	RecordTypes   []string `json:"recordTypes"`
	Stores        []string `json:"stores"`
	Documents     int      `json:"documents"`
}

type ListDocumentsInput struct {
	DocType *string `json:"docType,omitempty" jsonschema:"Only list documents of this type"`
}

type ListDocumentsOutput struct {
	Documents []DocumentEntry `json:"documents"`
}

type DocumentEntry struct {
	ID                 string  `json:"id"`
	Type               string  `json:"type"`
	Title              string  `json:"title,omitempty"`
	LastSyncedRevision int64   `json:"lastSyncedRevision"`
	Created            bool    `json:"created"`
	Batches            int     `json:"batches"`
	StagedBatches      int     `json:"stagedBatches"`
	LockedBy           *string `json:"lockedBy,omitempty"`
	LockExpiresAt      *string `json:"lockExpiresAt,omitempty"`
}

type ReadCommandsInput struct {
	DocID  string `json:"docId" jsonschema:"The document id"`
	PartID string `json:"partId" jsonschema:"The document part whose commands to read"`
	Limit  *int   `json:"limit,omitempty" jsonschema:"Return at most this many batches"`
}

type ReadCommandsOutput struct {
	HeadRevision int64        `json:"headRevision"`
	Total        int          `json:"total"`
	Batches      []BatchEntry `json:"batches"`
}

type BatchEntry struct {
	Revision   int64           `json:"revision"`
	ChunkIndex int             `json:"chunkIndex"`
	UserName   string          `json:"userName,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Commands   []CommandOutput `json:"commands"`
}

type CommandOutput struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

type PendingStatusInput struct {
	DocID string `json:"docId" jsonschema:"The document id"`
}

type PendingStatusOutput struct {
	DocID         string  `json:"docId"`
	Entries       int     `json:"entries"`
	Commands      int     `json:"commands"`
	Version       int64   `json:"version"`
	Undeliverable bool    `json:"undeliverable"`
	Anachronistic bool    `json:"anachronistic"`
	OldestEntry   *string `json:"oldestEntry,omitempty"`
}

// Tool handlers

func (s *Server) handleStoreInfo(ctx context.Context, req *mcp.CallToolRequest, input StoreInfoInput) (*mcp.CallToolResult, StoreInfoOutput, error) {
	info, err := s.inspector.StoreInfo(ctx)
	if err != nil {
		return nil, StoreInfoOutput{}, fmt.Errorf("failed to read store info: %w", err)
	}
	return nil, StoreInfoOutput{
		Version:       info.Version,
		LatestVersion: info.LatestVersion,
		RecordTypes:   info.RecordTypes,
		Stores:        info.Stores,
		Documents:     info.Documents,
	}, nil
}

func (s *Server) handleListDocuments(ctx context.Context, req *mcp.CallToolRequest, input ListDocumentsInput) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	docType := ""
	if input.DocType != nil {
		docType = *input.DocType
	}
	docs, err := s.inspector.ListDocuments(ctx, docType)
	if err != nil {
		return nil, ListDocumentsOutput{}, fmt.Errorf("failed to list documents: %w", err)
	}

	entries := make([]DocumentEntry, 0, len(docs))
	for _, d := range docs {
		e := DocumentEntry{
			ID:                 d.ID,
			Type:               d.Type,
			Title:              d.Title,
			LastSyncedRevision: d.LastSyncedRevision,
			Created:            d.Created,
			Batches:            d.Batches,
			StagedBatches:      d.StagedBatches,
		}
		if d.LockedBy != "" {
			holder := d.LockedBy
			expires := d.LockExpiresAt.Format(time.RFC3339)
			e.LockedBy = &holder
			e.LockExpiresAt = &expires
		}
		entries = append(entries, e)
	}

	return nil, ListDocumentsOutput{Documents: entries}, nil
}

func (s *Server) handleReadCommands(ctx context.Context, req *mcp.CallToolRequest, input ReadCommandsInput) (*mcp.CallToolResult, ReadCommandsOutput, error) {
	if input.DocID == "" || input.PartID == "" {
		return nil, ReadCommandsOutput{}, fmt.Errorf("docId and partId are required")
	}
	res, err := s.inspector.ReadCommands(ctx, input.DocID, input.PartID)
	if err != nil {
		return nil, ReadCommandsOutput{}, fmt.Errorf("failed to read commands: %w", err)
	}

	batches := res.Batches
	if input.Limit != nil && *input.Limit >= 0 && *input.Limit < len(batches) {
		batches = batches[:*input.Limit]
	}
	out := ReadCommandsOutput{
		HeadRevision: res.HeadRevision,
		Total:        len(res.Batches),
		Batches:      make([]BatchEntry, 0, len(batches)),
	}
	for _, b := range batches {
		entry := BatchEntry{
			Revision:   b.Revision,
			ChunkIndex: b.ChunkIndex,
			UserName:   b.UserName,
			Commands:   make([]CommandOutput, 0, len(b.Commands)),
		}
		if !b.Timestamp.IsZero() {
			entry.Timestamp = b.Timestamp.Format(time.RFC3339)
		}
		for _, c := range b.Commands {
			entry.Commands = append(entry.Commands, CommandOutput{Type: c.Type, Data: c.Data})
		}
		out.Batches = append(out.Batches, entry)
	}
	return nil, out, nil
}

func (s *Server) handlePendingStatus(ctx context.Context, req *mcp.CallToolRequest, input PendingStatusInput) (*mcp.CallToolResult, PendingStatusOutput, error) {
	if input.DocID == "" {
		return nil, PendingStatusOutput{}, fmt.Errorf("docId is required")
	}
	st, err := s.inspector.PendingStatus(ctx, input.DocID)
	if err != nil {
		return nil, PendingStatusOutput{}, fmt.Errorf("failed to read pending status: %w", err)
	}

	out := PendingStatusOutput{
		DocID:         st.DocID,
		Entries:       st.Entries,
		Commands:      st.Commands,
		Version:       st.Version,
		Undeliverable: st.Undeliverable,
		Anachronistic: st.Anachronistic,
	}
	if !st.OldestEntry.IsZero() {
		oldest := st.OldestEntry.Format(time.RFC3339)
		out.OldestEntry = &oldest
	}
	return nil, out, nil
}
