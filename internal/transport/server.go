// Package transport terminates agent and dashboard websocket connections and
// multiplexes the heartbeat, metrics, events and commands channels over them.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleet-telemetry/internal/auth"
	"fleet-telemetry/internal/hub"
	"fleet-telemetry/internal/protocol"
)

const (
	defaultReadLimit    = 64 * 1024
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 50 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultCommandQueue = 16

	// InstanceHeader names the instance an agent key is bound to.
	InstanceHeader = "X-Fleet-Instance"
)

var (
	// ErrInstanceOffline is returned when no agent session is attached.
	ErrInstanceOffline = errors.New("transport: instance offline")
	// ErrCommandQueueFull is returned when an agent is not draining commands.
	ErrCommandQueueFull = errors.New("transport: command queue full")
)

// Ingestor processes one envelope received from an agent bound to boundInstance.
type Ingestor interface {
	Ingest(ctx context.Context, env protocol.Envelope, boundInstance string) error
}

// SessionTracker is told when agent sessions open and close.
type SessionTracker interface {
	SessionOpened(instanceID string)
	SessionClosed(instanceID string)
}

// AgentAuthenticator verifies an agent's pre-shared key.
type AgentAuthenticator interface {
	Authenticate(instanceID, key string) (string, error)
}

// ClientAuthenticator resolves a dashboard request to an identity.
type ClientAuthenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// Server owns the agent session registry and the websocket handlers.
type Server struct {
	upgrader     websocket.Upgrader
	hub          *hub.Hub
	ingestor     Ingestor
	agentAuth    AgentAuthenticator
	clientAuth   ClientAuthenticator
	tracker      SessionTracker
	logger       *zap.Logger
	readLimit    int64
	pongWait     time.Duration
	pingInterval time.Duration
	writeWait    time.Duration

	mu     sync.RWMutex
	agents map[string]*agentSession
	wg     sync.WaitGroup
}

// Option configures the server.
type Option func(*Server)

// WithSessionTracker reports agent session lifetimes.
func WithSessionTracker(tracker SessionTracker) Option {
	return func(s *Server) { s.tracker = tracker }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReadLimit caps inbound frame size.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// WithKeepalive sets the pong deadline and ping period. pingInterval must be
// shorter than pongWait.
func WithKeepalive(pongWait, pingInterval time.Duration) Option {
	return func(s *Server) {
		if pongWait > 0 && pingInterval > 0 && pingInterval < pongWait {
			s.pongWait = pongWait
			s.pingInterval = pingInterval
		}
	}
}

// WithCheckOrigin overrides the upgrader origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		if fn != nil {
			s.upgrader.CheckOrigin = fn
		}
	}
}

// NewServer constructs a transport server.
func NewServer(h *hub.Hub, ingestor Ingestor, agentAuth AgentAuthenticator, clientAuth ClientAuthenticator, opts ...Option) (*Server, error) {
	if h == nil {
		return nil, errors.New("transport: nil hub")
	}
	if ingestor == nil {
		return nil, errors.New("transport: nil ingestor")
	}
	if agentAuth == nil || clientAuth == nil {
		return nil, errors.New("transport: nil authenticator")
	}
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		hub:          h,
		ingestor:     ingestor,
		agentAuth:    agentAuth,
		clientAuth:   clientAuth,
		logger:       zap.NewNop(),
		readLimit:    defaultReadLimit,
		pongWait:     defaultPongWait,
		pingInterval: defaultPingInterval,
		writeWait:    defaultWriteWait,
		agents:       make(map[string]*agentSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connected reports whether an agent session is attached for instanceID.
func (s *Server) Connected(instanceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[instanceID]
	return ok
}

// Agents returns the number of attached agent sessions.
func (s *Server) Agents() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// Wait blocks until every session goroutine has exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Shutdown closes every agent session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*agentSession, 0, len(s.agents))
	for _, sess := range s.agents {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

func (s *Server) attach(sess *agentSession) {
	s.mu.Lock()
	prev := s.agents[sess.instanceID]
	s.agents[sess.instanceID] = sess
	s.mu.Unlock()
	if prev != nil {
		s.logger.Info("transport: agent session replaced",
			zap.String("instance_id", sess.instanceID), zap.String("session_id", prev.id))
		prev.close()
	}
}

func (s *Server) detach(sess *agentSession) {
	s.mu.Lock()
	if s.agents[sess.instanceID] == sess {
		delete(s.agents, sess.instanceID)
	}
	s.mu.Unlock()
}

func bearerOrQuery(r *http.Request, query string) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get(query))
}

func codecFor(messageType int) protocol.Codec {
	if messageType == websocket.BinaryMessage {
		return protocol.CBOR
	}
	return protocol.JSON
}

func frameType(codec protocol.Codec) int {
	if codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
