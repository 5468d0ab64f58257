package broadcast

import (
	"log/slog"
	"net/http"
	"time"

	"reactbot/internal/domain"

	"github.com/gorilla/websocket"
)

// Message types sent to WebSocket clients.
const (
	TypeSnapshot = "snapshot"
	TypeDelta    = "delta"
	TypeStats    = "stats"
)

// Message is the JSON frame written to clients.
type Message struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type ServerConfig struct {
	Hub           *Hub
	Snapshot      func() any    // current counters, sent on connect and on every stats tick
	StatsInterval time.Duration // 0 disables periodic stats
	CheckOrigin   func(r *http.Request) bool
	Logger        *slog.Logger
}

// Server streams hub deltas over WebSocket. Query parameter "scope"
// (repeatable) restricts the feed to those scopes.
type Server struct {
	hub      *Hub
	snapshot func() any
	interval time.Duration
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = func() any { return nil }
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		hub:      cfg.Hub,
		snapshot: cfg.Snapshot,
		interval: cfg.StatsInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var scopes []domain.ScopeID
	for _, v := range r.URL.Query()["scope"] {
		scopes = append(scopes, domain.ScopeID(v))
	}

	// Subscribe before the snapshot so no delta falls between the two.
	sub := s.hub.Subscribe(NewFilter(scopes...))
	defer s.hub.Unsubscribe(sub)

	s.logger.Info("websocket subscriber connected", "remote", r.RemoteAddr, "scopes", len(scopes))
	defer s.logger.Info("websocket subscriber disconnected", "remote", r.RemoteAddr)

	if err := s.write(conn, Message{Type: TypeSnapshot, Data: s.snapshot(), At: time.Now()}); err != nil {
		return
	}

	gone := make(chan struct{})
	go s.readLoop(conn, gone)

	var statsC <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		statsC = ticker.C
	}
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case d, ok := <-sub.C():
			if !ok {
				if sub.Evicted() {
					s.logger.Warn("websocket subscriber too slow, closing", "remote", r.RemoteAddr)
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"), time.Now().Add(writeWait))
				}
				return
			}
			if err := s.write(conn, Message{Type: TypeDelta, Data: d, At: d.At}); err != nil {
				return
			}
		case now := <-statsC:
			if err := s.write(conn, Message{Type: TypeStats, Data: s.snapshot(), At: now}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("websocket write failed", "err", err)
		return err
	}
	return nil
}

// readLoop discards client frames and closes gone when the peer leaves.
func (s *Server) readLoop(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "err", err)
			}
			return
		}
	}
}
