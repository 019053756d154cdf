package transfer

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/SliceBook/internal/metadata"
)

const (
	defaultMaxMessageBytes = 64 << 20
	defaultIdleTimeout     = 2 * time.Minute
	writeTimeout           = 10 * time.Second
)

// ServerOptions configure a Server.
type ServerOptions struct {
	Directory *Directory
	// Ledger answers status queries for transfers that already finished. Optional.
	Ledger          *metadata.LedgerStore
	Logger          logrus.FieldLogger
	MaxMessageBytes int64
	IdleTimeout     time.Duration
}

// Server exposes a Directory over HTTP and websockets.
type Server struct {
	dir             *Directory
	ledger          *metadata.LedgerStore
	log             logrus.FieldLogger
	maxMessageBytes int64
	idleTimeout     time.Duration
	upgrader        websocket.Upgrader
}

// NewServer creates a new transfer server
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		dir:             opts.Directory,
		ledger:          opts.Ledger,
		log:             opts.Logger,
		maxMessageBytes: opts.MaxMessageBytes,
		idleTimeout:     opts.IdleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 4 << 10,
		},
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = defaultIdleTimeout
	}
	return s
}

// Routes registers the transfer API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSONResponse(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"sessions": s.dir.Sessions(),
		})
	})
	r.Get(EndpointWebSocket, s.handleWebSocket)
	r.Post(EndpointCheckBook, s.handleCheckBook)
	r.Get(EndpointStatus, s.handleStatus)
	r.Get(EndpointLedger, s.handleLedger)
	return r
}

// handleCheckBook handles POST /api/v1/transfer/checkbook
func (s *Server) handleCheckBook(w http.ResponseWriter, r *http.Request) {
	var req CheckBookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxMessageBytes)).Decode(&req); err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	resp := s.dir.ReceiveCheckBook(&req)
	status := http.StatusCreated
	if !resp.Succeed {
		status = http.StatusBadRequest
	}
	WriteJSONResponse(w, status, resp)
}

// handleStatus handles GET /api/v1/transfer/{checkbook}/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "checkbook")
	if p, ok := s.dir.Status(name); ok {
		WriteJSONResponse(w, http.StatusOK, StatusResponse{Progress: &p})
		return
	}
	if s.ledger != nil {
		rec, err := s.ledger.GetTransfer(name)
		if err == nil {
			WriteJSONResponse(w, http.StatusOK, StatusResponse{Completed: &rec})
			return
		}
		if !errors.Is(err, metadata.ErrNotFound) {
			s.log.WithError(err).WithField("checkbook", name).Warn("Failed to read ledger")
			WriteErrorResponse(w, http.StatusInternalServerError, "Failed to read ledger")
			return
		}
	}
	WriteErrorResponse(w, http.StatusNotFound, "Transfer not found")
}

// handleLedger handles GET /api/v1/transfers
func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		WriteJSONResponse(w, http.StatusOK, []metadata.TransferRecord{})
		return
	}
	list, err := s.ledger.ListTransfers()
	if err != nil {
		s.log.WithError(err).Warn("Failed to list ledger")
		WriteErrorResponse(w, http.StatusInternalServerError, "Failed to read ledger")
		return
	}
	if list == nil {
		list = []metadata.TransferRecord{}
	}
	WriteJSONResponse(w, http.StatusOK, list)
}

// handleWebSocket handles GET /api/v1/transfer/ws. Requests on one socket are served in order;
// when the socket goes away the directory is told through the connection's close handlers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	conn := newWSConn(ws, r.RemoteAddr)
	log := s.log.WithFields(logrus.Fields{"conn": conn.ID(), "remote": conn.RemoteAddr()})
	log.Debug("Connection opened")
	defer func() {
		conn.close()
		log.Debug("Connection closed")
	}()

	ws.SetReadLimit(s.maxMessageBytes)
	ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
		return nil
	})

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("Read failed")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.idleTimeout))

		reply := s.dispatch(conn, env)
		if err := conn.writeJSON(reply, writeTimeout); err != nil {
			log.WithError(err).Debug("Write failed")
			return
		}
	}
}

func (s *Server) dispatch(conn *wsConn, env Envelope) Envelope {
	reply := Envelope{ID: env.ID, Method: env.Method}
	var resp interface{}
	switch env.Method {
	case MethodReceiveCheckBook:
		var req CheckBookRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			reply.Error = "invalid checkbook request"
			return reply
		}
		resp = s.dir.ReceiveCheckBook(&req)
	case MethodReceiveSlice:
		var req SliceRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			reply.Error = "invalid slice request"
			return reply
		}
		resp = s.dir.ReceiveSlice(conn, &req)
	default:
		reply.Error = "unknown method " + env.Method
		return reply
	}
	body, err := json.Marshal(resp)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Body = body
	return reply
}
