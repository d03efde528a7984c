package server

import (
	"net/http"
	"sync"
	"time"

	"forgeguard/internal/broadcast"
	"forgeguard/internal/logging"
	"forgeguard/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the fronting proxy; the token check in
	// RequireAuth is what gates the upgrade itself.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSink adapts one WebSocket connection to broadcast.Sink: a buffered
// send channel drained by a single write pump, with a closeOnce-guarded
// teardown so Broadcaster drops and pump exits can race safely.
type wsSink struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
	log       *zap.Logger
}

func newWSSink(conn *websocket.Conn, userID string) *wsSink {
	s := &wsSink{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
		log:  logging.L().With(zap.String("component", "wssink"), zap.String("user_id", userID)),
	}
	go s.writePump()
	go s.readPump()
	metrics.Get().ObserverSinksGauge.Inc()
	return s
}

// Send enqueues a frame without blocking the Broadcaster; a full buffer
// means the client cannot keep up and the sink reports back-pressure.
func (s *wsSink) Send(data []byte) error {
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	case s.send <- data:
		return nil
	default:
		metrics.Get().SinksDroppedTotal.Inc()
		return websocket.ErrCloseSent
	}
}

func (s *wsSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		metrics.Get().ObserverSinksGauge.Dec()
	})
}

func (s *wsSink) writePump() {
	defer s.Close()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames (pong, close); observers never
// send data frames.
func (s *wsSink) readPump() {
	defer s.Close()
	s.conn.SetReadLimit(1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// compile-time check
var _ broadcast.Sink = (*wsSink)(nil)
