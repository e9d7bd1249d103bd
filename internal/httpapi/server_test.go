package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/haexspace/haexbridge/internal/authstore"
	"github.com/haexspace/haexbridge/internal/bridge"
	"github.com/haexspace/haexbridge/internal/events"
	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/haexspace/haexbridge/internal/ledger"
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
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHealthzReportsBridgeAndLedgerState(t *testing.T) {
	db := openTestDB(t)
	cfgStore := hlc.NewSQLiteConfigStore(db)
	clock := hlc.NewService([16]byte{0xCC}, time.Second, cfgStore, testLogger().Logger)
	require.NoError(t, clock.TryInitialize(context.Background()))

	store := authstore.New(db, clock, testLogger())
	bus := events.New(testLogger())
	lg := ledger.New(store, nil, bus, testLogger())
	brSrv := bridge.New(store, lg, bus, testLogger())
	require.NoError(t, brSrv.Start(0))
	defer brSrv.Stop(context.Background())

	lg.RequestApproval("client-1", "Client One", "pubkey", "ext-a")

	metrics := NewMetrics()
	srv := New("127.0.0.1:0", brSrv, lg, metrics, testLogger())
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Equal(t, "ok", report.Status)
	require.True(t, report.BridgeRunning)
	require.Equal(t, brSrv.Port(), report.BridgePort)
	require.Equal(t, 1, report.PendingAuthorizations)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordConnectionAccepted()

	srv := New("127.0.0.1:0", nil, nil, metrics, testLogger())
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
