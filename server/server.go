package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docdex/docdex/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

// Backend is the slice of the pipeline the server drives.
type Backend interface {
	Ingest(ctx context.Context, file models.SourceFile) (models.IngestResult, error)
	Ask(ctx context.Context, question string) models.QueryResult
	Delete(ctx context.Context, sourceFileID string) (models.DeleteResult, error)
}

// Message is the WebSocket envelope in both directions. Client types:
// "ask" (Content = question), "ingest" (Data = IngestRequest), "delete"
// (Content = source file id). Server types: "answer", "sources",
// "ingested", "deleted", "status", "error".
type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

// IngestRequest describes a stored file the client wants indexed.
type IngestRequest struct {
	FileID      string `json:"file_id"`
	StoragePath string `json:"storage_path"`
	Name        string `json:"name"`
	MediaType   string `json:"media_type"`
	ByteSize    int64  `json:"byte_size"`
	OwnerID     string `json:"owner_id"`
	Description string `json:"description"`
}

type Config struct {
	Addr string
}

type Server struct {
	config  Config
	backend Backend
	logger  *slog.Logger
}

func New(config Config, backend Backend, logger *slog.Logger) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{config: config, backend: backend, logger: logger}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: s.config.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("websocket server listening", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the routes for tests and embedding into other muxes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// gorilla connections allow one concurrent writer; all replies for
	// this connection go through one guarded sender.
	sender := &connSender{conn: conn, logger: s.logger}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			sender.send("error", fmt.Sprintf("malformed message: %v", err), nil)
			continue
		}

		go s.handleMessage(r.Context(), sender, msg)
	}
}

func (s *Server) handleMessage(ctx context.Context, sender *connSender, msg Message) {
	switch msg.Type {
	case "ask":
		s.handleAsk(ctx, sender, msg.Content)
	case "ingest":
		s.handleIngest(ctx, sender, msg)
	case "delete":
		s.handleDelete(ctx, sender, msg.Content)
	default:
		sender.send("error", fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

func (s *Server) handleAsk(ctx context.Context, sender *connSender, question string) {
	result := s.backend.Ask(ctx, question)
	switch result.Status {
	case models.QueryOK:
		sender.send("answer", result.Answer, nil)
		if len(result.Sources) > 0 {
			sender.send("sources", "", result.Sources)
		}
	case models.QueryUnavailable:
		sender.send("error", "service unavailable: "+result.Detail, nil)
	default:
		sender.send("error", result.Detail, nil)
	}
}

func (s *Server) handleIngest(ctx context.Context, sender *connSender, msg Message) {
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		sender.send("error", fmt.Sprintf("bad ingest request: %v", err), nil)
		return
	}
	var req IngestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		sender.send("error", fmt.Sprintf("bad ingest request: %v", err), nil)
		return
	}

	sender.send("status", fmt.Sprintf("ingesting %s", req.FileID), nil)

	result, err := s.backend.Ingest(ctx, models.SourceFile{
		FileID:      req.FileID,
		StoragePath: req.StoragePath,
		Name:        req.Name,
		MediaType:   req.MediaType,
		ByteSize:    req.ByteSize,
		OwnerID:     req.OwnerID,
		Description: req.Description,
	})
	if err != nil {
		sender.send("error", err.Error(), nil)
		return
	}
	sender.send("ingested", req.FileID, result)
}

func (s *Server) handleDelete(ctx context.Context, sender *connSender, sourceFileID string) {
	result, err := s.backend.Delete(ctx, sourceFileID)
	if err != nil {
		sender.send("error", err.Error(), nil)
		return
	}
	sender.send("deleted", sourceFileID, result)
}

type connSender struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger *slog.Logger
}

func (c *connSender) send(msgType, content string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(Message{Type: msgType, Content: content, Data: data}); err != nil {
		c.logger.Warn("websocket write failed", "error", err)
	}
}
