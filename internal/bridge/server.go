// Package bridge implements the WebSocket server external clients
// (browser extensions, CLI tools, other local processes) connect to in
// order to reach a haex-vault extension, per §4.6. One process-lifetime
// ECDH keypair decrypts every inbound request; each response is
// re-encrypted under a fresh ephemeral keypair for per-direction
// forward secrecy.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/haexspace/haexbridge/internal/authstore"
	"github.com/haexspace/haexbridge/internal/cryptochan"
	"github.com/haexspace/haexbridge/internal/events"
	"github.com/haexspace/haexbridge/internal/ledger"
	"github.com/haexspace/haexbridge/internal/protocol"
	"github.com/haexspace/haexbridge/internal/router"
	"github.com/sirupsen/logrus"
)

// DefaultPort is the bridge's default bind port when none is given.
const DefaultPort = 19455

// TopicInwardRequest is the events.Bus topic a decrypted, authorized
// request is published on for an extension handler to pick up and
// eventually answer via Router.Respond. It keeps the literal name of
// the event the original Tauri bridge emitted under, since any
// long-lived extension integration built against that name carries
// over unchanged.
const TopicInwardRequest = "haextension:external:request"

// Server owns the bridge's listener, its one per-lifetime server
// keypair, and every live connection.
type Server struct {
	mu        sync.Mutex
	running   bool
	port      int
	listener  net.Listener
	http      *http.Server
	keyPair   *cryptochan.KeyPair
	conns     map[string]*connection
	upgrader  websocket.Upgrader

	store   *authstore.Store
	ledger  *ledger.Ledger
	router  *router.Router
	bus     *events.Bus
	metrics Metrics
	log     *logrus.Entry
}

// Metrics records bridge-level events for internal/httpapi's
// Prometheus surface. nil is a valid Server.metrics value.
type Metrics interface {
	RecordConnectionAccepted()
	RecordHandshakeOutcome(outcome string)
}

// SetMetrics attaches a Metrics sink. Safe to call once after New.
func (s *Server) SetMetrics(m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// SetRouterMetrics forwards to the router's own SetMetrics, so callers
// wiring up internal/httpapi don't need direct access to the router
// Server built internally.
func (s *Server) SetRouterMetrics(m router.Metrics) {
	s.mu.Lock()
	r := s.router
	s.mu.Unlock()
	r.SetMetrics(m)
}

// New constructs a Server. The router is built here so Server can serve
// as its Emitter; callers needing per-extension timeout overrides should
// construct their own router.Router and install it with SetRouter.
func New(store *authstore.Store, lg *ledger.Ledger, bus *events.Bus, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	s := &Server{
		conns:    make(map[string]*connection),
		upgrader: websocket.Upgrader{},
		store:    store,
		ledger:   lg,
		bus:      bus,
		log:      log.WithField("component", "bridge"),
	}
	s.router = router.New(s, 0, nil, s.log)
	lg.SetNotifier(s)
	return s
}

// SetRouter replaces the default router, for callers supplying
// per-extension timeout overrides.
func (s *Server) SetRouter(r *router.Router) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router = r
}

// IsRunning reports whether the listener is currently accepting
// connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port reports the port actually bound, valid only while running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start binds the listener and begins accepting connections. port == 0
// lets the OS assign an ephemeral port (used by tests); callers wanting
// the documented default bind address pass DefaultPort explicitly.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return protocol.NewError(protocol.CodeAlreadyRunning, "bridge server already running")
	}

	keyPair, err := cryptochan.GenerateKeyPair()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		s.mu.Unlock()
		return protocol.Wrap(protocol.CodeInternal, "bind bridge listener", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	httpServer := &http.Server{Handler: mux}

	s.keyPair = keyPair
	s.listener = ln
	s.http = httpServer
	s.running = true
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()

	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("bridge listener stopped unexpectedly")
		}
	}()

	s.log.WithField("port", s.port).Info("bridge server started")
	return nil
}

// Stop closes every connection and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return protocol.NewError(protocol.CodeNotRunning, "bridge server is not running")
	}
	s.running = false
	httpServer := s.http
	conns := s.conns
	s.conns = make(map[string]*connection)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return httpServer.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordConnectionAccepted()
	}
	c := newConnection(ws, s.log)
	go c.writePump()
	c.readLoop(r.Context(), s)
}

func (s *Server) registerConnection(clientID string, c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.conns[clientID]; ok && old != c {
		old.Close()
	}
	s.conns[clientID] = c
}

func (s *Server) dropConnection(c *connection) {
	clientID, _, _ := c.identity()
	if clientID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[clientID]; ok && cur == c {
		delete(s.conns, clientID)
	}
}

func (s *Server) lookupConnection(clientID string) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[clientID]
}

func (s *Server) handleFrame(ctx context.Context, c *connection, data []byte) {
	typ, err := protocol.DecodeEnvelopeType(data)
	if err != nil {
		c.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.AsBridgeError(err).Code, Message: "malformed frame"})
		return
	}

	switch typ {
	case protocol.TypeHandshake:
		var req protocol.HandshakeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeProtocolParseError, Message: "malformed handshake"})
			return
		}
		s.handleHandshake(ctx, c, req)
	case protocol.TypeRequest:
		var env protocol.EncryptedEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeProtocolParseError, Message: "malformed request"})
			return
		}
		s.handleRequest(ctx, c, env)
	case protocol.TypePing:
		c.send(protocol.PongFrame{Type: protocol.TypePong})
	default:
		// Response / HandshakeResponse / AuthorizationUpdate / Pong /
		// Error are server-to-client only; a client sending one is
		// simply ignored.
	}
}

func (s *Server) handleHandshake(ctx context.Context, c *connection, req protocol.HandshakeRequest) {
	if req.Version != protocol.ProtocolVersion {
		s.recordHandshake("unsupported_version")
		c.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeProtocolUnsupportedVersion, Message: "unsupported protocol version"})
		c.Close()
		return
	}
	if len(req.Client.RequestedExtensions) == 0 {
		s.recordHandshake("invalid_request")
		c.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeInvalidRequest, Message: "handshake requested no extensions"})
		c.Close()
		return
	}

	clientID := Fingerprint(req.Client.PublicKey)

	c.mu.Lock()
	c.clientID = clientID
	c.clientName = req.Client.ClientName
	c.publicKey = req.Client.PublicKey
	c.mu.Unlock()
	s.registerConnection(clientID, c)

	serverPubKey, err := s.keyPair.PublicKeySPKIBase64()
	if err != nil {
		s.log.WithError(err).Error("failed to export server public key")
		c.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeInternal, Message: "server error"})
		c.Close()
		return
	}

	blocked, err := s.store.IsBlocked(ctx, clientID)
	if err != nil {
		s.log.WithError(err).Error("authorization lookup failed during handshake")
		c.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeDatabase, Message: "authorization lookup failed"})
		c.Close()
		return
	}
	if blocked {
		s.recordHandshake("blocked")
		c.setState(Closed)
		c.send(protocol.HandshakeResponse{
			Type:            protocol.TypeHandshakeResponse,
			Version:         protocol.ProtocolVersion,
			ServerPublicKey: serverPubKey,
			Authorized:      false,
			PendingApproval: false,
		})
		c.Close()
		return
	}

	for _, ext := range req.Client.RequestedExtensions {
		authorized, err := s.store.IsAuthorized(ctx, clientID, ext.Name)
		if err != nil {
			s.log.WithError(err).Error("authorization lookup failed during handshake")
			continue
		}
		if authorized {
			if err := s.store.TouchLastSeen(ctx, clientID, ext.Name); err != nil {
				s.log.WithError(err).Warn("failed to update last_seen during handshake")
			}
			c.mu.Lock()
			c.extensionID = ext.Name
			c.mu.Unlock()
			c.setState(Authorized)
			s.recordHandshake("authorized")
			c.send(protocol.HandshakeResponse{
				Type:            protocol.TypeHandshakeResponse,
				Version:         protocol.ProtocolVersion,
				ServerPublicKey: serverPubKey,
				Authorized:      true,
				PendingApproval: false,
			})
			return
		}
	}

	first := req.Client.RequestedExtensions[0]
	c.mu.Lock()
	c.extensionID = first.Name
	c.mu.Unlock()
	c.setState(PendingAuth)
	s.ledger.RequestApproval(clientID, req.Client.ClientName, req.Client.PublicKey, first.Name)
	s.recordHandshake("pending_approval")
	c.send(protocol.HandshakeResponse{
		Type:            protocol.TypeHandshakeResponse,
		Version:         protocol.ProtocolVersion,
		ServerPublicKey: serverPubKey,
		Authorized:      false,
		PendingApproval: true,
	})
}

func (s *Server) recordHandshake(outcome string) {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.RecordHandshakeOutcome(outcome)
	}
}

func (s *Server) handleRequest(ctx context.Context, c *connection, env protocol.EncryptedEnvelope) {
	clientID, extensionID, publicKey := c.identity()
	if c.getState() != Authorized {
		c.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.CodeUnauthorized, Message: "client is not authorized"})
		return
	}

	payload, err := cryptochan.DecryptEnvelopePayload(s.keyPair, env.Message, env.IV, env.PublicKey)
	if err != nil {
		c.send(protocol.ErrorFrame{Type: protocol.TypeError, Code: protocol.AsBridgeError(err).Code, Message: "failed to decrypt request"})
		return
	}

	var idOnly struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(payload, &idOnly)

	var reply protocol.InwardReply
	if idOnly.RequestID == "" {
		reply = protocol.InwardReply{Success: false, Error: "Missing required field: requestId"}
	} else {
		req := protocol.InwardRequest{RequestID: idOnly.RequestID, PublicKey: publicKey, Action: env.Action, Payload: payload}
		result, err := s.router.Dispatch(ctx, req, extensionID)
		if err != nil {
			reply = protocol.InwardReply{RequestID: idOnly.RequestID, Success: false, Error: protocol.AsBridgeError(err).Message}
		} else {
			reply = result
		}
	}

	ciphertext, iv, ephemeralPub, err := cryptochan.EncryptResponsePayload(publicKey, reply)
	if err != nil {
		s.log.WithError(err).Error("failed to encrypt response")
		return
	}
	c.send(protocol.EncryptedEnvelope{
		Type:      protocol.TypeResponse,
		Action:    env.Action,
		Message:   ciphertext,
		IV:        iv,
		ClientID:  clientID,
		PublicKey: ephemeralPub,
	})
}

// EmitInwardRequest implements router.Emitter by publishing onto the
// events bus for whatever extension handler is listening.
func (s *Server) EmitInwardRequest(req protocol.InwardRequest) error {
	s.bus.Publish(TopicInwardRequest, req)
	return nil
}

// NotifyAuthorizationGranted implements ledger.Notifier: it flips the
// live connection (if any) to Authorized and pushes an update frame.
func (s *Server) NotifyAuthorizationGranted(clientID, extensionID string) error {
	c := s.lookupConnection(clientID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	c.extensionID = extensionID
	c.mu.Unlock()
	c.setState(Authorized)
	c.send(protocol.AuthorizationUpdate{Type: protocol.TypeAuthorizationUpdate, Authorized: true})
	return nil
}

// NotifyAuthorizationDenied implements ledger.Notifier.
func (s *Server) NotifyAuthorizationDenied(clientID string) error {
	c := s.lookupConnection(clientID)
	if c == nil {
		return nil
	}
	c.send(protocol.AuthorizationUpdate{Type: protocol.TypeAuthorizationUpdate, Authorized: false})
	return nil
}

// Respond delivers an extension handler's answer back to the router.
func (s *Server) Respond(reply protocol.InwardReply) error {
	return s.router.Respond(reply)
}
