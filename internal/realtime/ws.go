// Package realtime adapts websocket connections to rooms. Each connection
// gets a session that decodes inbound frames, forwards commands to the
// owning room, and writes the room's broadcasts back to the socket. The
// session never mutates room state directly.
package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/typerace/server/internal/observability"
	"github.com/typerace/server/internal/room"
	"github.com/typerace/server/internal/types"
)

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second
	pingEvery = 30 * time.Second
)

type WSServer struct {
	upgrader websocket.Upgrader
	registry *room.Registry
	logger   *zap.Logger
	metrics  *observability.Metrics
	subBuf   int
}

func NewWSServer(registry *room.Registry, subscriberBuf, readBuf, writeBuf int, logger *zap.Logger, metrics *observability.Metrics) *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		subBuf:   subscriberBuf,
	}
}

func (ws *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	sessionID := uuid.NewString()
	s := &session{
		id:       sessionID,
		conn:     conn,
		registry: ws.registry,
		logger:   ws.logger.With(zap.String("session_id", sessionID)),
		metrics:  ws.metrics,
		subBuf:   ws.subBuf,
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
		limiter:  NewTokenBucket(40, 250),
	}
	ws.metrics.ActiveConnections.Inc()
	go s.writePump()
	s.readPump()
	ws.metrics.ActiveConnections.Dec()
}

type session struct {
	id       string
	conn     *websocket.Conn
	registry *room.Registry
	logger   *zap.Logger
	metrics  *observability.Metrics
	subBuf   int

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *TokenBucket

	room *room.Room
	sub  *room.Subscriber
}

func (s *session) finish() {
	s.closeOnce.Do(func() { close(s.done) })
}

// readPump drives the inbound half. A Key or Reset before Join closes the
// connection with expected_join; a malformed frame is answered with
// malformed_message and dropped. Closing the socket is left to writePump so
// the final queued error is flushed first.
func (s *session) readPump() {
	defer func() {
		if s.room != nil && s.sub != nil {
			s.room.Leave(s.sub.ID)
		}
		s.finish()
	}()
	s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readWait))

		msg, err := types.DecodeClient(data)
		if err != nil {
			s.metrics.CommandReject.WithLabelValues("malformed").Inc()
			s.sendError(types.ErrMalformedMessage, "cannot parse frame")
			continue
		}

		switch {
		case msg.Join != nil:
			s.metrics.MessagesIn.WithLabelValues("join").Inc()
			s.handleJoin(*msg.Join)
		case msg.Key != nil:
			s.metrics.MessagesIn.WithLabelValues("key").Inc()
			if s.sub == nil {
				s.sendError(types.ErrExpectedJoin, "join before typing")
				return
			}
			// Cheap pre-filter; the room remains the authority.
			if !s.limiter.Allow() {
				s.sendError(types.ErrRateLimited, "slow down")
				continue
			}
			s.room.Key(s.sub.ID, msg.Key.Ch[0])
		case msg.Reset != nil:
			s.metrics.MessagesIn.WithLabelValues("reset").Inc()
			if s.sub == nil {
				s.sendError(types.ErrExpectedJoin, "join before resetting")
				return
			}
			s.room.Reset(s.sub.ID)
		}
	}
}

func (s *session) handleJoin(join types.Join) {
	if s.sub != nil {
		s.sendError(types.ErrWrongState, "already joined")
		return
	}
	rm := s.registry.GetOrCreate(join.Room)
	sub := room.NewSubscriber(s.id, s.subBuf)
	if err := rm.Join(sub, join.Name); err != nil {
		if app, ok := err.(*types.AppError); ok {
			s.sendError(app.Code, app.Message)
		} else {
			s.sendError(types.ErrInternal, "join failed")
		}
		return
	}
	s.room = rm
	s.sub = sub
	s.logger.Info("joined room",
		zap.String("room", join.Room),
		zap.String("player", join.Name))
	go s.forward()
}

// forward drains the room subscription into the outbound queue, preserving
// publication order. When the room evicts the subscriber for lagging the
// client gets a final Error{lagging} and the socket closes.
func (s *session) forward() {
	for {
		select {
		case <-s.done:
			return
		case <-s.sub.Dropped():
			s.sendError(types.ErrLagging, "client too slow")
			s.finish()
			return
		case msg := <-s.sub.C():
			data, err := types.EncodeServer(msg)
			if err != nil {
				continue
			}
			select {
			case s.send <- data:
			case <-s.done:
				return
			case <-s.sub.Dropped():
				s.sendError(types.ErrLagging, "client too slow")
				s.finish()
				return
			}
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			// Flush whatever is already queued before closing.
			for {
				select {
				case data := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					return
				}
			}
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.finish()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.finish()
				return
			}
		}
	}
}

func (s *session) sendError(code types.ErrorCode, message string) {
	data, err := types.EncodeServer(types.ServerMsg{
		Error: &types.ErrorMsg{Code: code, Message: message},
	})
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	default:
	}
}

// TokenBucket is the per-connection keystroke pre-filter.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

func NewTokenBucket(capacity, rate float64) *TokenBucket {
	return &TokenBucket{tokens: capacity, capacity: capacity, rate: rate, lastTime: time.Now()}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}
