package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleet-telemetry/internal/auth"
	"fleet-telemetry/internal/hub"
	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/protocol"
)

const roleClient = "client"

type clientSession struct {
	identity auth.Identity
	conn     *websocket.Conn
	sub      *hub.Subscriber
	done     chan struct{}
	once     sync.Once

	codecMu sync.RWMutex
	codec   protocol.Codec
}

func (c *clientSession) setCodec(codec protocol.Codec) {
	c.codecMu.Lock()
	c.codec = codec
	c.codecMu.Unlock()
}

func (c *clientSession) currentCodec() protocol.Codec {
	c.codecMu.RLock()
	defer c.codecMu.RUnlock()
	return c.codec
}

func (c *clientSession) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ClientHandler serves GET /ws/client for dashboards. The bearer token may be
// passed as the access_token query parameter because browsers cannot set
// headers on websocket requests. instanceId query parameters seed the filter;
// ?codec=cbor selects binary frames from the start.
func (s *Server) ClientHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.clientAuth.Authenticate(r)
		if err != nil {
			s.logger.Info("transport: client rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("transport: client upgrade failed", zap.String("subject", identity.Subject), zap.Error(err))
			return
		}
		codec := protocol.JSON
		if r.URL.Query().Get("codec") == protocol.CBOR.Name() {
			codec = protocol.CBOR
		}
		sess := &clientSession{
			identity: identity,
			conn:     conn,
			sub:      s.hub.Subscribe(r.URL.Query()["instanceId"]...),
			done:     make(chan struct{}),
			codec:    codec,
		}
		metrics.AddSessions(roleClient, 1)
		s.logger.Info("transport: client connected",
			zap.String("subject", identity.Subject), zap.String("session_id", sess.sub.ID()))

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.clientWriteLoop(sess)
		}()
		go func() {
			defer s.wg.Done()
			s.clientReadLoop(sess)
			sess.close()
			s.hub.Unsubscribe(sess.sub)
			metrics.AddSessions(roleClient, -1)
			s.logger.Info("transport: client disconnected",
				zap.String("subject", identity.Subject), zap.String("session_id", sess.sub.ID()))
		}()
	})
}

func (s *Server) clientReadLoop(sess *clientSession) {
	conn := sess.conn
	conn.SetReadLimit(s.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))

		codec := codecFor(messageType)
		sess.setCodec(codec)
		env, err := codec.Decode(frame)
		if err != nil {
			metrics.IncEnvelopeRejected("unknown", "malformed")
			continue
		}
		metrics.IncEnvelope(string(env.Channel), roleClient)
		if !protocol.ClientOriginated(env.Channel, env.Type) {
			metrics.IncEnvelopeRejected(string(env.Channel), "direction")
			s.logger.Debug("transport: client sent unsupported type",
				zap.String("subject", sess.identity.Subject), zap.String("type", env.Type))
			continue
		}
		sub, _ := env.Data.(*protocol.Subscription)
		var ids []string
		if sub != nil {
			ids = sub.InstanceIDs
		}
		switch env.Type {
		case protocol.TypeClientSubscribe:
			sess.sub.Subscribe(ids...)
		case protocol.TypeClientUnsubscribe:
			sess.sub.Unsubscribe(ids...)
		}
	}
}

func (s *Server) clientWriteLoop(sess *clientSession) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-sess.sub.C():
			if !ok {
				sess.close()
				return
			}
			codec := sess.currentCodec()
			frame, err := codec.Encode(env)
			if err != nil {
				s.logger.Warn("transport: envelope encode failed", zap.String("type", env.Type), zap.Error(err))
				continue
			}
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := sess.conn.WriteMessage(frameType(codec), frame); err != nil {
				sess.close()
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.close()
				return
			}
		case <-sess.done:
			return
		}
	}
}
