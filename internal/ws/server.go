package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"drawrelay/internal/ratelimit"
	"drawrelay/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	readLimit = 64 << 10 // shape payloads are small; anything bigger is abuse
)

// Options tunes the per-connection liveness probing and the origin
// allow-list. Zero durations fall back to the defaults below.
type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	AllowedOrigins []string
}

// Server owns the websocket endpoint: admission control, the per-connection
// reader loop that dispatches room operations, and heartbeats.
type Server struct {
	registry *relay.Registry
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongTimeout  time.Duration
}

func NewServer(registry *relay.Registry, limiter *ratelimit.Limiter, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	return &Server{
		registry: registry,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
	}
}

// originChecker builds the Upgrader origin gate. Requests without an Origin
// header (non-browser clients) pass; browser origins must be allow-listed
// unless the list contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	wildcard := len(allowed) == 0
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}
		return false
	}
}

// ---------------------------------------------------------------------------
//  Public: Gin entry‑point
// ---------------------------------------------------------------------------

// Handle admits and upgrades one client. Admission control runs before the
// handshake completes: blocked addresses, attempt quotas and concurrent
// quotas are refused while the channel is still plain HTTP.
func (s *Server) Handle(ginCtx *gin.Context) {
	addr := ginCtx.ClientIP()

	if s.limiter.IsBlocked(addr) {
		ginCtx.JSON(http.StatusForbidden, gin.H{"error": "address temporarily blocked"})
		return
	}
	if att := s.limiter.CheckConnectionAttempt(addr); !att.Allowed {
		ginCtx.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}
	slot := s.limiter.CheckConcurrentConnections(addr)
	if !slot.Allowed {
		ginCtx.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "too many concurrent connections",
			"current": slot.Current,
			"max":     slot.Max,
		})
		return
	}

	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		s.limiter.ReleaseConnection(addr)
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(readLimit)

	// ─────────────────── Client connected ────────────────────────
	conn := newClientConn(uuid.NewString(), addr, rawConn)
	zap.L().Debug("ws.connected", zap.String("client", conn.id), zap.String("addr", addr))

	go s.reader(conn)
	go s.pinger(conn)
}

// ---------------------------------------------------------------------------
//  Reader loop / dispatch
// ---------------------------------------------------------------------------

func (s *Server) reader(conn *clientConn) {
	defer s.disconnect(conn)

	_ = conn.rawConn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	for {
		_, data, err := conn.rawConn.ReadMessage()
		if err != nil {
			return // client closed, errored or missed its heartbeat
		}

		// Every inbound frame counts against the sender, decodable or not,
		// so garbage floods hit the limiter like any other flood.
		if rate := s.limiter.CheckMessageRate(conn.remoteAddr); !rate.Allowed {
			// Soft throttle: notify the sender, keep the socket open.
			_ = conn.Send(rateLimitedMsg(rate.RetryAfter))
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are dropped, never fatal.
			zap.L().Debug("ws.malformed", zap.String("client", conn.id))
			continue
		}

		s.dispatch(conn, msg)
	}
}

func (s *Server) dispatch(conn *clientConn, msg inboundMessage) {
	switch msg.Type {
	case typeCreateRoom:
		s.handleCreate(conn, msg)
	case typeJoinRoom, typeJoinRoomAlt:
		s.handleJoin(conn, msg)
	case typeShapeAdd, typeShapeUpdate:
		s.handleShape(conn, msg, msg.Shape)
	case typeShapeDelete:
		s.handleShape(conn, msg, msg.ShapeID)
	case typeLeaveRoom:
		s.handleLeave(conn, msg)
	default:
		// Unrecognized types are ignored so newer clients keep working
		// against older relays.
		zap.L().Debug("ws.unknown_type", zap.String("type", msg.Type))
	}
}

// ---------------------------------------------------------------------------
//  Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleCreate(conn *clientConn, msg inboundMessage) {
	if msg.EncryptionKey == "" {
		_ = conn.Send(errorMsg("missing encryption key"))
		return
	}
	roomID := msg.RoomID
	if roomID == "" {
		roomID = uuid.NewString()
	}
	mode := relay.ModeOpen
	if msg.RoomType == string(relay.ModePaired) {
		mode = relay.ModePaired
	}

	if err := s.registry.Create(roomID, msg.EncryptionKey, mode, conn); err != nil {
		_ = conn.Send(errorMsg(err.Error()))
		return
	}
	conn.trackRoom(roomID)
	_ = conn.Send(roomCreatedMsg(roomID, conn.id))
}

func (s *Server) handleJoin(conn *clientConn, msg inboundMessage) {
	if msg.EncryptionKey == "" {
		_ = conn.Send(errorMsg("missing encryption key"))
		return
	}

	res, err := s.registry.Join(msg.RoomID, msg.EncryptionKey, conn)
	switch err {
	case nil:
		conn.trackRoom(msg.RoomID)
		_ = conn.Send(joinedMsg(msg.RoomID, conn.id, res.Reconnected))
	case relay.ErrRoomFull:
		_ = conn.Send(roomFullMsg(msg.RoomID, res.Current, res.Max))
		conn.Close("room full")
	default:
		_ = conn.Send(errorMsg(err.Error()))
	}
}

func (s *Server) handleShape(conn *clientConn, msg inboundMessage, payload any) {
	out := shapeMsg(msg.Type, msg.RoomID, conn.id, payload)
	if err := s.registry.Broadcast(msg.RoomID, msg.EncryptionKey, conn.id, out); err != nil {
		_ = conn.Send(errorMsg(err.Error()))
	}
}

func (s *Server) handleLeave(conn *clientConn, msg inboundMessage) {
	if err := s.registry.Authorize(msg.RoomID, msg.EncryptionKey); err != nil {
		_ = conn.Send(errorMsg(err.Error()))
		return
	}
	conn.untrackRoom(msg.RoomID)
	s.registry.Leave(msg.RoomID, conn.id)
}

// ---------------------------------------------------------------------------
//  Liveness / teardown
// ---------------------------------------------------------------------------

// disconnect runs the leave path for every room the connection joined,
// releases the concurrency slot and closes the socket. Runs exactly once,
// when the reader returns.
func (s *Server) disconnect(conn *clientConn) {
	for _, roomID := range conn.joinedRooms() {
		conn.untrackRoom(roomID)
		s.registry.Leave(roomID, conn.id)
	}
	conn.Close("connection closed")
	s.limiter.ReleaseConnection(conn.remoteAddr)
	zap.L().Debug("ws.disconnected", zap.String("client", conn.id))
}

func (s *Server) pinger(conn *clientConn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			// Closing the connection stops pings immediately instead
			// of at the next tick.
			return
		case <-ticker.C:
			err := conn.rawConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				conn.Close("ping failed")
				return
			}
		}
	}
}
