package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdex/docdex/internal/models"
)

type fakeBackend struct {
	askResult    models.QueryResult
	ingestResult models.IngestResult
	ingestErr    error
	deleteResult models.DeleteResult
	lastIngest   models.SourceFile
	lastDelete   string
}

func (b *fakeBackend) Ingest(_ context.Context, file models.SourceFile) (models.IngestResult, error) {
	b.lastIngest = file
	return b.ingestResult, b.ingestErr
}

func (b *fakeBackend) Ask(_ context.Context, _ string) models.QueryResult {
	return b.askResult
}

func (b *fakeBackend) Delete(_ context.Context, sourceFileID string) (models.DeleteResult, error) {
	b.lastDelete = sourceFileID
	return b.deleteResult, nil
}

func dialTestServer(t *testing.T, backend Backend) *websocket.Conn {
	t.Helper()
	srv := New(Config{}, backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestAskOverWebSocket(t *testing.T) {
	backend := &fakeBackend{
		askResult: models.QueryResult{
			Status: models.QueryOK,
			Answer: "the answer",
			Sources: []models.RetrievedChunk{
				{ID: "file-1_0", Score: 0.9, Text: "alpha"},
			},
		},
	}
	conn := dialTestServer(t, backend)

	require.NoError(t, conn.WriteJSON(Message{Type: "ask", Content: "what is alpha?"}))

	answer := readMessage(t, conn)
	assert.Equal(t, "answer", answer.Type)
	assert.Equal(t, "the answer", answer.Content)

	sources := readMessage(t, conn)
	assert.Equal(t, "sources", sources.Type)
	assert.NotNil(t, sources.Data)
}

func TestAskUnavailableBecomesError(t *testing.T) {
	backend := &fakeBackend{
		askResult: models.QueryResult{Status: models.QueryUnavailable, Detail: "index down"},
	}
	conn := dialTestServer(t, backend)

	require.NoError(t, conn.WriteJSON(Message{Type: "ask", Content: "anything"}))

	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Content, "index down")
}

func TestIngestOverWebSocket(t *testing.T) {
	backend := &fakeBackend{ingestResult: models.IngestResult{ChunksIndexed: 7}}
	conn := dialTestServer(t, backend)

	require.NoError(t, conn.WriteJSON(Message{
		Type: "ingest",
		Data: IngestRequest{
			FileID:    "file-1",
			Name:      "report.pdf",
			MediaType: "application/pdf",
			ByteSize:  2048,
			OwnerID:   "owner-1",
		},
	}))

	status := readMessage(t, conn)
	assert.Equal(t, "status", status.Type)

	done := readMessage(t, conn)
	assert.Equal(t, "ingested", done.Type)
	assert.Equal(t, "file-1", done.Content)

	assert.Equal(t, "file-1", backend.lastIngest.FileID)
	assert.Equal(t, "application/pdf", backend.lastIngest.MediaType)
	assert.Equal(t, int64(2048), backend.lastIngest.ByteSize)
}

func TestIngestErrorOverWebSocket(t *testing.T) {
	backend := &fakeBackend{ingestErr: errors.New("download (file file-1): file not found in storage")}
	conn := dialTestServer(t, backend)

	require.NoError(t, conn.WriteJSON(Message{
		Type: "ingest",
		Data: IngestRequest{FileID: "file-1"},
	}))

	status := readMessage(t, conn)
	assert.Equal(t, "status", status.Type)

	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Content, "not found")
}

func TestDeleteOverWebSocket(t *testing.T) {
	backend := &fakeBackend{deleteResult: models.DeleteResult{Found: true}}
	conn := dialTestServer(t, backend)

	require.NoError(t, conn.WriteJSON(Message{Type: "delete", Content: "file-1"}))

	msg := readMessage(t, conn)
	assert.Equal(t, "deleted", msg.Type)
	assert.Equal(t, "file-1", msg.Content)
	assert.Equal(t, "file-1", backend.lastDelete)
}

func TestUnknownMessageType(t *testing.T) {
	conn := dialTestServer(t, &fakeBackend{})

	require.NoError(t, conn.WriteJSON(Message{Type: "bogus"}))

	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Content, "unknown message type")
}
