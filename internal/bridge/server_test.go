package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haexspace/haexbridge/internal/authstore"
	"github.com/haexspace/haexbridge/internal/cryptochan"
	"github.com/haexspace/haexbridge/internal/events"
	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/haexspace/haexbridge/internal/ledger"
	"github.com/haexspace/haexbridge/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE haex_crdt_configs (key TEXT PRIMARY KEY, type TEXT NOT NULL, value TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE haex_external_authorized_clients (
		id TEXT PRIMARY KEY, client_id TEXT NOT NULL, client_name TEXT NOT NULL,
		public_key TEXT NOT NULL, extension_id TEXT NOT NULL,
		authorized_at TEXT NOT NULL, last_seen TEXT NOT NULL,
		haex_tombstone INTEGER DEFAULT 0, haex_hlc TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE haex_external_blocked_clients (
		id TEXT PRIMARY KEY, client_id TEXT NOT NULL, client_name TEXT NOT NULL,
		public_key TEXT NOT NULL, blocked_at TEXT NOT NULL,
		haex_tombstone INTEGER DEFAULT 0, haex_hlc TEXT
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type testRig struct {
	server *Server
	store  *authstore.Store
	ledger *ledger.Ledger
	bus    *events.Bus
	addr   string
}

func startTestServer(t *testing.T) *testRig {
	t.Helper()
	db := openTestDB(t)
	cfgStore := hlc.NewSQLiteConfigStore(db)
	clock := hlc.NewService([16]byte{0xBB}, time.Second, cfgStore, testLogger().Logger)
	require.NoError(t, clock.TryInitialize(context.Background()))

	store := authstore.New(db, clock, testLogger())
	bus := events.New(testLogger())
	lg := ledger.New(store, nil, bus, testLogger())
	s := New(store, lg, bus, testLogger())

	require.NoError(t, s.Start(0))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	return &testRig{server: s, store: store, ledger: lg, bus: bus, addr: fmt.Sprintf("127.0.0.1:%d", s.Port())}
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func sendFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func handshake(t *testing.T, ws *websocket.Conn, clientKey *cryptochan.KeyPair, extension string) protocol.HandshakeResponse {
	t.Helper()
	pub, err := clientKey.PublicKeySPKIBase64()
	require.NoError(t, err)

	sendFrame(t, ws, protocol.HandshakeRequest{
		Type:    protocol.TypeHandshake,
		Version: protocol.ProtocolVersion,
		Client: protocol.ClientInfo{
			ClientID:            "claimed-id",
			ClientName:          "Test Client",
			PublicKey:           pub,
			RequestedExtensions: []protocol.RequestedExtension{{Name: extension, ExtensionPublicKey: pub}},
		},
	})

	var resp protocol.HandshakeResponse
	readFrame(t, ws, &resp)
	return resp
}

func TestHandshakeUnknownClientIsPendingApproval(t *testing.T) {
	rig := startTestServer(t)
	clientKey, err := cryptochan.GenerateKeyPair()
	require.NoError(t, err)
	ws := dial(t, rig.addr)

	resp := handshake(t, ws, clientKey, "ext-a")
	require.False(t, resp.Authorized)
	require.True(t, resp.PendingApproval)
	require.NotEmpty(t, resp.ServerPublicKey)

	pending := rig.ledger.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, "ext-a", pending[0].ExtensionID)
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	rig := startTestServer(t)
	ws := dial(t, rig.addr)

	sendFrame(t, ws, protocol.HandshakeRequest{Type: protocol.TypeHandshake, Version: 99, Client: protocol.ClientInfo{
		RequestedExtensions: []protocol.RequestedExtension{{Name: "ext-a"}},
	}})

	var frame protocol.ErrorFrame
	readFrame(t, ws, &frame)
	require.Equal(t, protocol.CodeProtocolUnsupportedVersion, frame.Code)
}

func TestPreAuthorizedClientHandshakeSucceeds(t *testing.T) {
	rig := startTestServer(t)
	clientKey, err := cryptochan.GenerateKeyPair()
	require.NoError(t, err)
	pub, err := clientKey.PublicKeySPKIBase64()
	require.NoError(t, err)
	clientID := Fingerprint(pub)

	require.NoError(t, rig.store.Grant(context.Background(), clientID, "Test Client", pub, "ext-a", true))

	ws := dial(t, rig.addr)
	resp := handshake(t, ws, clientKey, "ext-a")
	require.True(t, resp.Authorized)
	require.False(t, resp.PendingApproval)
}

func TestApprovalFlowAuthorizesPendingConnection(t *testing.T) {
	rig := startTestServer(t)
	clientKey, err := cryptochan.GenerateKeyPair()
	require.NoError(t, err)
	ws := dial(t, rig.addr)

	handshake(t, ws, clientKey, "ext-a")
	pending := rig.ledger.Pending()
	require.Len(t, pending, 1)

	require.NoError(t, rig.ledger.Approve(context.Background(), pending[0].ClientID, pending[0].ClientName, pending[0].PublicKey, pending[0].ExtensionID, true))

	var update protocol.AuthorizationUpdate
	readFrame(t, ws, &update)
	require.True(t, update.Authorized)
}

func TestAuthorizedClientRequestRoundTrips(t *testing.T) {
	rig := startTestServer(t)
	clientKey, err := cryptochan.GenerateKeyPair()
	require.NoError(t, err)
	pub, err := clientKey.PublicKeySPKIBase64()
	require.NoError(t, err)
	clientID := Fingerprint(pub)
	require.NoError(t, rig.store.Grant(context.Background(), clientID, "Test Client", pub, "ext-a", true))

	ws := dial(t, rig.addr)
	resp := handshake(t, ws, clientKey, "ext-a")
	require.True(t, resp.Authorized)

	unsub := rig.bus.Subscribe(TopicInwardRequest, func(payload any) {
		req := payload.(protocol.InwardRequest)
		require.NoError(t, rig.server.Respond(protocol.InwardReply{
			RequestID: req.RequestID,
			Success:   true,
			Data:      json.RawMessage(`{"vaultEntries":[]}`),
		}))
	})
	defer unsub()

	ciphertext, iv, ephemeralPub, err := cryptochan.EncryptResponsePayload(resp.ServerPublicKey, map[string]string{"requestId": "req-1"})
	require.NoError(t, err)

	sendFrame(t, ws, protocol.EncryptedEnvelope{
		Type:      protocol.TypeRequest,
		Action:    "vault.query",
		Message:   ciphertext,
		IV:        iv,
		ClientID:  clientID,
		PublicKey: ephemeralPub,
	})

	var respEnv protocol.EncryptedEnvelope
	readFrame(t, ws, &respEnv)
	require.Equal(t, protocol.TypeResponse, respEnv.Type)
}

func TestUnauthorizedRequestIsRejected(t *testing.T) {
	rig := startTestServer(t)
	clientKey, err := cryptochan.GenerateKeyPair()
	require.NoError(t, err)
	ws := dial(t, rig.addr)

	handshake(t, ws, clientKey, "ext-a")

	pub, _ := clientKey.PublicKeySPKIBase64()
	ciphertext, iv, ephemeralPub, err := cryptochan.EncryptResponsePayload(pub, map[string]string{"requestId": "req-2"})
	require.NoError(t, err)

	sendFrame(t, ws, protocol.EncryptedEnvelope{
		Type: protocol.TypeRequest, Message: ciphertext, IV: iv, PublicKey: ephemeralPub,
	})

	var frame protocol.ErrorFrame
	readFrame(t, ws, &frame)
	require.Equal(t, protocol.CodeUnauthorized, frame.Code)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	rig := startTestServer(t)
	ws := dial(t, rig.addr)

	sendFrame(t, ws, protocol.PingFrame{Type: protocol.TypePing})

	var pong protocol.PongFrame
	readFrame(t, ws, &pong)
	require.Equal(t, protocol.TypePong, pong.Type)
}

func TestBlockedClientHandshakeIsRejectedAndClosed(t *testing.T) {
	rig := startTestServer(t)
	clientKey, err := cryptochan.GenerateKeyPair()
	require.NoError(t, err)
	pub, err := clientKey.PublicKeySPKIBase64()
	require.NoError(t, err)
	clientID := Fingerprint(pub)
	require.NoError(t, rig.store.Block(context.Background(), clientID, "Blocked Client", pub, true))

	ws := dial(t, rig.addr)
	resp := handshake(t, ws, clientKey, "ext-a")
	require.False(t, resp.Authorized)
	require.False(t, resp.PendingApproval)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
}

type fakeBridgeMetrics struct {
	mu                 sync.Mutex
	connectionsAccepted int
	handshakeOutcomes   []string
}

func (f *fakeBridgeMetrics) RecordConnectionAccepted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectionsAccepted++
}

func (f *fakeBridgeMetrics) RecordHandshakeOutcome(outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handshakeOutcomes = append(f.handshakeOutcomes, outcome)
}

func TestMetricsRecordConnectionAndHandshakeOutcome(t *testing.T) {
	rig := startTestServer(t)
	m := &fakeBridgeMetrics{}
	rig.server.SetMetrics(m)

	clientKey, err := cryptochan.GenerateKeyPair()
	require.NoError(t, err)
	ws := dial(t, rig.addr)
	handshake(t, ws, clientKey, "ext-a")

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, 1, m.connectionsAccepted)
	require.Equal(t, []string{"pending_approval"}, m.handshakeOutcomes)
}
