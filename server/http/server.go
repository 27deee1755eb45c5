package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twvoice/backend/model"
	"github.com/twvoice/backend/storage/memory"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	EnsureRoom(code string) string
	RoomExists(code string) bool
	PostMessage(code string, msg model.ChatMessage) error
	Sync(code string, callerID string, status model.Status,
		outgoing []model.SignalEnvelope) (model.SyncResult, error)
}

type postMessageRequest struct {
	Message model.ChatMessage `json:"message"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/rooms/{code}", srv.ensureRoom)
	r.HandleFunc("GET /api/rooms/{code}", srv.roomExists)
	r.HandleFunc("POST /api/rooms/{code}/messages", srv.postMessage)
	r.HandleFunc("POST /api/rooms/{code}/sync", srv.sync)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) ensureRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	code := r.PathValue("code")
	if code == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	canonical := srv.svc.EnsureRoom(code)
	srv.logger.Trace().Str("roomCode", canonical).Msg("room ensure requested")

	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) roomExists(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	code := r.PathValue("code")
	if code == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, &existsResponse{Exists: srv.svc.RoomExists(code)})
}

func (srv *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	code := r.PathValue("code")
	if code == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req postMessageRequest
	if !srv.readBody(w, r, &req) {
		return
	}
	// A message needs an id and a sender; the text may be empty for
	// sound-pad messages that only carry soundUrl.
	if req.Message.ID == "" || req.Message.SenderID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := srv.svc.PostMessage(code, req.Message); err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) sync(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	code := r.PathValue("code")
	if code == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var sub model.SyncSubmission
	if !srv.readBody(w, r, &sub) {
		return
	}
	if sub.User.ID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	srv.logger.Trace().Str("roomCode", code).Str("userID", sub.User.ID).Msg("got sync request")

	res, err := srv.svc.Sync(code, sub.User.ID, sub.User.Status, sub.SignalsToSend)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Snapshot())
}

// readBody decodes the request body into dst, replying 400 on malformed
// input. Returns false if the request was already answered.
func (srv *Server) readBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, _ := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, memory.ErrRoomNotFound) {
		writeJSON(w, http.StatusNotFound, &GenericResponse{Error: memory.ErrRoomNotFound.Error()})
		return
	}
	srv.logger.Error().Err(err).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: ErrUnexpected.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
