package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/kv/pebblekv"
	"github.com/choplin/officestore/internal/localstore"
	"github.com/choplin/officestore/internal/usecase"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	engine, err := pebblekv.Open("store", vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	store, err := localstore.Open(context.Background(), engine, localstore.Options{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)

	docs, err := store.Adapter().Documents()
	require.NoError(t, err)
	doc := docs.CreateDocument("d1", "text")
	doc.MarkCreated()
	for rev := int64(1); rev <= 3; rev++ {
		doc.AddCommandBatch(localstore.CommandBatch{
			PartID:   "body",
			Revision: rev,
			Commands: []command.Command{{Type: "insert", Data: map[string]any{"text": "x"}}},
		}, false)
	}
	require.NoError(t, store.Write(context.Background(), doc))

	return NewServer(usecase.NewInspector(store, nil), "test")
}

func TestHandleListDocuments(t *testing.T) {
	s := setupTestServer(t)

	_, out, err := s.handleListDocuments(context.Background(), nil, ListDocumentsInput{})
	require.NoError(t, err)
	require.Len(t, out.Documents, 1)
	require.Equal(t, "d1", out.Documents[0].ID)
	require.Equal(t, 3, out.Documents[0].Batches)
	require.Nil(t, out.Documents[0].LockedBy)
}

func TestHandleReadCommandsLimit(t *testing.T) {
	s := setupTestServer(t)
	limit := 2

	_, out, err := s.handleReadCommands(context.Background(), nil, ReadCommandsInput{DocID: "d1", PartID: "body", Limit: &limit})
	require.NoError(t, err)
	require.EqualValues(t, 1, out.HeadRevision)
	require.Equal(t, 3, out.Total)
	require.Len(t, out.Batches, 2)
	require.Equal(t, "insert", out.Batches[0].Commands[0].Type)

	_, _, err = s.handleReadCommands(context.Background(), nil, ReadCommandsInput{DocID: "d1"})
	require.Error(t, err)
}

func TestHandlePendingStatusEmpty(t *testing.T) {
	s := setupTestServer(t)

	_, out, err := s.handlePendingStatus(context.Background(), nil, PendingStatusInput{DocID: "d1"})
	require.NoError(t, err)
	require.Zero(t, out.Entries)
	require.Nil(t, out.OldestEntry)
}

func TestToolsOverInMemoryTransport(t *testing.T) {
	s := setupTestServer(t)
	ctx := context.Background()

	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, serverT)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{"store_info", "list_documents", "read_commands", "pending_status"}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "store_info", Arguments: map[string]any{}})
	require.NoError(t, err)
	require.False(t, res.IsError)

	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var info StoreInfoOutput
	require.NoError(t, json.Unmarshal(raw, &info))
	require.Equal(t, 1, info.Documents)
}
