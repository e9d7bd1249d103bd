// Package bridgeapp is the single explicit state holder the CLI (and
// any future embedding host) drives: one struct owning the database
// connection, the device-identity store, and every component built on
// top of them, exposing the server lifecycle and authorization ledger
// commands as plain methods rather than as package-level globals.
package bridgeapp

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/haexspace/haexbridge/internal/authstore"
	"github.com/haexspace/haexbridge/internal/bridge"
	"github.com/haexspace/haexbridge/internal/config"
	"github.com/haexspace/haexbridge/internal/crdtjournal"
	"github.com/haexspace/haexbridge/internal/dbschema"
	"github.com/haexspace/haexbridge/internal/deviceid"
	"github.com/haexspace/haexbridge/internal/events"
	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/haexspace/haexbridge/internal/httpapi"
	"github.com/haexspace/haexbridge/internal/ledger"
	"github.com/haexspace/haexbridge/internal/router"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// App owns every long-lived resource the bridge needs and exposes the
// CLI/host command surface from §6: server lifecycle
// (start/stop/status/getPort/getDefaultPort) plus the full ledger
// command union from §4.8.
type App struct {
	cfg *config.Config
	log *logrus.Entry

	db          *sql.DB
	deviceStore *deviceid.Store
	clock       *hlc.Service
	store       *authstore.Store
	journal     *crdtjournal.Journal
	bus         *events.Bus
	ledger      *ledger.Ledger
	bridgeSrv   *bridge.Server
	statusSrv   *httpapi.Server
	metrics     *httpapi.Metrics
}

// New wires every component from cfg, bootstraps the database schema,
// and resolves this device's stable identity, but does not start the
// bridge listener — call Start for that.
func New(cfg *config.Config, log *logrus.Entry) (*App, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	log = log.WithField("component", "bridgeapp")

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("bridgeapp: open database: %w", err)
	}
	if err := dbschema.Bootstrap(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("bridgeapp: bootstrap schema: %w", err)
	}

	deviceStore, err := deviceid.Open(cfg.HLC.NodeKVPath, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bridgeapp: open device identity store: %w", err)
	}
	nodeID, err := deviceStore.NodeID()
	if err != nil {
		deviceStore.Close()
		db.Close()
		return nil, fmt.Errorf("bridgeapp: resolve device node id: %w", err)
	}

	cfgStore := hlc.NewSQLiteConfigStore(db)
	maxDelta := time.Duration(cfg.HLC.MaxDeltaMillis) * time.Millisecond
	clock := hlc.NewService(nodeID, maxDelta, cfgStore, log.Logger)
	if err := clock.TryInitialize(context.Background()); err != nil {
		deviceStore.Close()
		db.Close()
		return nil, fmt.Errorf("bridgeapp: initialize hlc: %w", err)
	}

	store := authstore.New(db, clock, log)
	journal := crdtjournal.New(db, log)
	bus := events.New(log)
	lg := ledger.New(store, nil, bus, log)
	bridgeSrv := bridge.New(store, lg, bus, log)
	perExtension := make(map[string]time.Duration, len(cfg.Router.PerExtensionTimeoutMillis))
	for ext, ms := range cfg.Router.PerExtensionTimeoutMillis {
		perExtension[ext] = time.Duration(ms) * time.Millisecond
	}
	defaultTimeout := time.Duration(cfg.Router.DefaultTimeoutMillis) * time.Millisecond
	bridgeSrv.SetRouter(router.New(bridgeSrv, defaultTimeout, perExtension, log))

	metrics := httpapi.NewMetrics()
	journal.SetMetrics(metrics)
	bridgeSrv.SetMetrics(metrics)
	bridgeSrv.SetRouterMetrics(metrics)

	app := &App{
		cfg:         cfg,
		log:         log,
		db:          db,
		deviceStore: deviceStore,
		clock:       clock,
		store:       store,
		journal:     journal,
		bus:         bus,
		ledger:      lg,
		bridgeSrv:   bridgeSrv,
		metrics:     metrics,
	}
	return app, nil
}

// Close releases every resource that does not stop with the bridge
// listener: the device-identity store and the database connection.
func (a *App) Close() error {
	if err := a.deviceStore.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close device identity store")
	}
	return a.db.Close()
}

// Start begins serving the bridge's WebSocket listener and, if
// configured, its status/health HTTP surface. port overrides
// cfg.Server.Port; pass 0 to use the configured port.
func (a *App) Start(port int) error {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	if err := a.bridgeSrv.Start(port); err != nil {
		return err
	}

	if a.cfg.Server.StatusAddr != "" {
		a.statusSrv = httpapi.New(a.cfg.Server.StatusAddr, a.bridgeSrv, a.ledger, a.metrics, a.log)
		if err := a.statusSrv.Start(); err != nil {
			a.log.WithError(err).Warn("failed to start status/health endpoint")
			a.statusSrv = nil
		}
	}
	return nil
}

// Stop shuts the bridge listener and status endpoint down.
func (a *App) Stop(ctx context.Context) error {
	if a.statusSrv != nil {
		_ = a.statusSrv.Stop(ctx)
		a.statusSrv = nil
	}
	return a.bridgeSrv.Stop(ctx)
}

// Status is the serializable result for the `status` command.
type Status struct {
	Running               bool `json:"running"`
	Port                  int  `json:"port"`
	PendingAuthorizations int  `json:"pendingAuthorizations"`
}

// Status reports whether the bridge is running and on which port.
func (a *App) Status() Status {
	return Status{
		Running:               a.bridgeSrv.IsRunning(),
		Port:                  a.bridgeSrv.Port(),
		PendingAuthorizations: len(a.ledger.Pending()),
	}
}

// GetPort reports the port actually bound, valid only while running.
func (a *App) GetPort() int {
	return a.bridgeSrv.Port()
}

// GetDefaultPort reports the bridge's documented default port.
func (a *App) GetDefaultPort() int {
	return bridge.DefaultPort
}

// StatusAddr reports the status/health endpoint's bound address, or
// "" if it isn't running.
func (a *App) StatusAddr() string {
	if a.statusSrv == nil {
		return ""
	}
	return a.statusSrv.Addr()
}

// GetPendingAuthorizations lists every outstanding approval request.
func (a *App) GetPendingAuthorizations() []ledger.PendingAuthorization {
	return a.ledger.Pending()
}

// ApprovePending approves an outstanding request previously surfaced
// through GetPendingAuthorizations.
func (a *App) ApprovePending(ctx context.Context, clientID, clientName, publicKey, extensionID string, remember bool) error {
	return a.ledger.Approve(ctx, clientID, clientName, publicKey, extensionID, remember)
}

// DenyPending denies every outstanding request for clientID. The
// ledger's Deny call is scoped per extension, so a client with several
// pending requests from different extensions has each denied in turn.
func (a *App) DenyPending(clientID string) {
	for _, p := range a.ledger.Pending() {
		if p.ClientID == clientID {
			a.ledger.Deny(p.ClientID, p.ExtensionID)
		}
	}
}

// Allow grants standing authorization without a prior pending request,
// e.g. for a host that pre-approves its own bundled extensions.
func (a *App) Allow(ctx context.Context, clientID, clientName, publicKey, extensionID string, remember bool) error {
	return a.ledger.Approve(ctx, clientID, clientName, publicKey, extensionID, remember)
}

// Block denies a client standing access across all extensions.
func (a *App) Block(ctx context.Context, clientID, clientName, publicKey string, remember bool) error {
	return a.ledger.Block(ctx, clientID, clientName, publicKey, remember)
}

// Revoke removes a single client/extension authorization.
func (a *App) Revoke(ctx context.Context, clientID, extensionID string) error {
	return a.ledger.Revoke(ctx, clientID, extensionID)
}

// RevokeSession drops every session-only grant for clientID without
// touching its remembered (persisted) authorizations.
func (a *App) RevokeSession(clientID string) {
	a.store.RevokeSession(clientID)
}

// Unblock clears a standing block for clientID.
func (a *App) Unblock(ctx context.Context, clientID string) error {
	return a.ledger.Unblock(ctx, clientID)
}

// IsBlocked reports whether clientID is currently blocked.
func (a *App) IsBlocked(ctx context.Context, clientID string) (bool, error) {
	return a.store.IsBlocked(ctx, clientID)
}

// ListAuthorized lists every client/extension pair with standing
// authorization.
func (a *App) ListAuthorized(ctx context.Context) ([]authstore.AuthorizedClient, error) {
	return a.store.ListAuthorized(ctx)
}

// ListBlocked lists every blocked client.
func (a *App) ListBlocked(ctx context.Context) ([]authstore.BlockedClient, error) {
	return a.store.ListBlocked(ctx)
}

// ListSessionAuthorizations lists grants held only for the current
// process lifetime (remember=false), never persisted to disk.
func (a *App) ListSessionAuthorizations() []authstore.AuthorizedClient {
	return a.store.ListSession()
}
