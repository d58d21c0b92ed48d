package streaming

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/metrics"
)

// WSServer streams a channel's events over WebSocket.
type WSServer struct {
	mgr      *Manager
	upgrader websocket.Upgrader
	logger   *zap.Logger

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
	buffer       int
}

// NewWSServer accepts upgrades from allowedOrigins; with none configured
// only same-host origins are accepted.
func NewWSServer(mgr *Manager, allowedOrigins []string, logger *zap.Logger) *WSServer {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return &WSServer{
		mgr:    mgr,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed["*"] || allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && len(allowed) == 0 && strings.EqualFold(u.Host, r.Host)
			},
		},
		pingInterval: 20 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		buffer:       64,
	}
}

// Serve upgrades the request and streams channelID, first replaying
// buffered events after since. Client frames other than control frames are
// ignored; messages are posted over REST.
func (s *WSServer) Serve(w http.ResponseWriter, r *http.Request, channelID string, since uint64) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.ChatConnections.Inc()
	defer metrics.ChatConnections.Dec()

	ch := s.mgr.Subscribe(channelID, s.buffer)
	defer s.mgr.Unsubscribe(channelID, ch)

	last := since
	write := func(ev Event) bool {
		if ev.Seq <= last {
			return true
		}
		last = ev.Seq
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		return conn.WriteJSON(ev) == nil
	}

	for _, ev := range s.mgr.ReplaySince(channelID, since) {
		if !write(ev) {
			return
		}
	}

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case ev, ok := <-ch:
			if !ok {
				s.logger.Info("Dropping slow chat subscriber", zap.String("channel_id", channelID))
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
					time.Now().Add(s.writeTimeout))
				return
			}
			if !write(ev) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}
