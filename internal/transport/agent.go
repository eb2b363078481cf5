package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleet-telemetry/internal/auth"
	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/protocol"
)

const roleAgent = "agent"

type agentSession struct {
	id         string
	instanceID string
	conn       *websocket.Conn
	commands   chan protocol.Envelope
	done       chan struct{}
	once       sync.Once

	codecMu sync.RWMutex
	codec   protocol.Codec
}

func (a *agentSession) setCodec(c protocol.Codec) {
	a.codecMu.Lock()
	a.codec = c
	a.codecMu.Unlock()
}

func (a *agentSession) currentCodec() protocol.Codec {
	a.codecMu.RLock()
	defer a.codecMu.RUnlock()
	return a.codec
}

func (a *agentSession) close() {
	a.once.Do(func() {
		close(a.done)
		_ = a.conn.Close()
	})
}

// AgentHandler serves GET /ws/agent. The agent presents its pre-shared key as
// a bearer token (or the key query parameter) and its instance id in the
// X-Fleet-Instance header (or the instanceId query parameter).
func (s *Server) AgentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instanceID := strings.TrimSpace(r.Header.Get(InstanceHeader))
		if instanceID == "" {
			instanceID = strings.TrimSpace(r.URL.Query().Get("instanceId"))
		}
		key := bearerOrQuery(r, "key")
		bound, err := s.agentAuth.Authenticate(instanceID, key)
		if err != nil {
			s.logger.Info("transport: agent rejected",
				zap.String("instance_id", instanceID), zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("transport: agent upgrade failed", zap.String("instance_id", bound), zap.Error(err))
			return
		}
		sess := &agentSession{
			id:         "agent-" + uuid.NewString(),
			instanceID: bound,
			conn:       conn,
			commands:   make(chan protocol.Envelope, defaultCommandQueue),
			done:       make(chan struct{}),
			codec:      protocol.JSON,
		}
		s.attach(sess)
		if s.tracker != nil {
			s.tracker.SessionOpened(bound)
		}
		metrics.AddSessions(roleAgent, 1)
		s.logger.Info("transport: agent connected",
			zap.String("instance_id", bound), zap.String("session_id", sess.id))

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.agentWriteLoop(sess)
		}()
		go func() {
			defer s.wg.Done()
			s.agentReadLoop(sess)
			sess.close()
			s.detach(sess)
			if s.tracker != nil {
				s.tracker.SessionClosed(bound)
			}
			metrics.AddSessions(roleAgent, -1)
			s.logger.Info("transport: agent disconnected",
				zap.String("instance_id", bound), zap.String("session_id", sess.id))
		}()
	})
}

// agentReadLoop processes envelopes in arrival order. Ingest runs detached
// from the connection so that a close does not abort already received work.
func (s *Server) agentReadLoop(sess *agentSession) {
	conn := sess.conn
	conn.SetReadLimit(s.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	ctx := context.Background()
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("transport: agent read failed",
					zap.String("instance_id", sess.instanceID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))

		codec := codecFor(messageType)
		sess.setCodec(codec)
		env, err := codec.Decode(frame)
		if err != nil {
			metrics.IncEnvelopeRejected("unknown", "malformed")
			s.logger.Debug("transport: malformed agent frame",
				zap.String("instance_id", sess.instanceID), zap.String("codec", codec.Name()), zap.Error(err))
			continue
		}
		metrics.IncEnvelope(string(env.Channel), roleAgent)
		if !protocol.AgentOriginated(env.Channel, env.Type) {
			metrics.IncEnvelopeRejected(string(env.Channel), "direction")
			s.logger.Debug("transport: agent sent server-only type",
				zap.String("instance_id", sess.instanceID), zap.String("type", env.Type))
			continue
		}
		if err := s.ingestor.Ingest(ctx, env, sess.instanceID); err != nil {
			s.logger.Debug("transport: envelope not ingested",
				zap.String("instance_id", sess.instanceID), zap.String("type", env.Type), zap.Error(err))
		}
	}
}

func (s *Server) agentWriteLoop(sess *agentSession) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case env := <-sess.commands:
			codec := sess.currentCodec()
			frame, err := codec.Encode(env)
			if err != nil {
				s.logger.Warn("transport: command encode failed",
					zap.String("instance_id", sess.instanceID), zap.Error(err))
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
			_ = sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown"),
				time.Now().Add(time.Second))
			return
		}
	}
}

// Dispatch queues a command for the instance's live session. The command id
// is generated when empty and returned.
func (s *Server) Dispatch(ctx context.Context, instanceID string, cmd protocol.CommandDispatch) (string, error) {
	if strings.TrimSpace(cmd.Command) == "" {
		return "", errors.New("transport: empty command")
	}
	s.mu.RLock()
	sess := s.agents[instanceID]
	s.mu.RUnlock()
	if sess == nil {
		metrics.IncCommand("offline")
		return "", ErrInstanceOffline
	}
	if cmd.CommandID == "" {
		cmd.CommandID = "cmd-" + uuid.NewString()
	}
	env := protocol.Envelope{
		Channel:    protocol.ChannelCommands,
		Type:       protocol.TypeCommandDispatch,
		InstanceID: instanceID,
		Timestamp:  time.Now().UTC(),
		Data:       &cmd,
	}
	select {
	case sess.commands <- env:
		metrics.IncCommand("sent")
		s.logger.Info("transport: command dispatched",
			zap.String("instance_id", instanceID), zap.String("command_id", cmd.CommandID),
			zap.String("command", cmd.Command), zap.String("actor", auth.SubjectFromContext(ctx)))
		return cmd.CommandID, nil
	case <-sess.done:
		metrics.IncCommand("offline")
		return "", ErrInstanceOffline
	default:
		metrics.IncCommand("queue_full")
		return "", ErrCommandQueueFull
	}
}
