package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/twvoice/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// SyncService serves the same sync exchange the polling API does.
	SyncService interface {
		RoomExists(code string) bool
		Sync(code string, callerID string, status model.Status,
			outgoing []model.SignalEnvelope) (model.SyncResult, error)
	}

	Config struct {
		Logger      *zerolog.Logger
		SyncService SyncService
		ListenAddr  string
	}

	Server struct {
		svc SyncService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}

	// wire connects the websocket read/write pumps with the sync loop.
	wire struct {
		rx chan model.SyncSubmission
		tx chan model.SyncSnapshot
	}
)

func newWire() wire {
	return wire{
		rx: make(chan model.SyncSubmission),
		tx: make(chan model.SyncSnapshot),
	}
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SyncService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/room/{roomID}/user/{userID}", srv.sync)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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

func (srv *Server) sync(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	userID := r.PathValue("userID")
	if roomID == "" || userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !srv.svc.RoomExists(roomID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	srv.logger.Debug().
		Str("roomID", roomID).
		Str("userID", userID).
		Msg("sync session started")

	go srv.handleWSConn(conn, roomID, userID)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, roomID, userID string) {
	wg := &sync.WaitGroup{}
	w := newWire()

	logger := srv.logger.With().
		Str("roomID", roomID).
		Str("userID", userID).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, userID, w.rx, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, w.tx, &logger)
		cancel()
	}()

	// Sync loop: one exchange per inbound frame, serialized per connection.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sub := <-w.rx:
				res, err := srv.svc.Sync(roomID, userID, sub.User.Status, sub.SignalsToSend)
				if err != nil {
					logger.Error().Err(err).Msg("sync failed")
					cancel()
					return
				}
				select {
				case w.tx <- res.Snapshot():
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	wg.Wait()
	cancel()
	webSocketCloser(conn, &logger)
	logger.Debug().Msg("sync session ended")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.SyncSnapshot,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case snap, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&snap)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing snapshot")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing snapshot")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	userID string,
	rx chan<- model.SyncSubmission,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var sub model.SyncSubmission
			if wsErr = json.Unmarshal(msg, &sub); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming submission")
			} else {
				// the path, not the body, decides who this session is
				sub.User.ID = userID
				select {
				case rx <- sub:
				case <-ctx.Done():
					break RecvLoop
				}
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
