package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efarrell-labs/alertrunner/internal/broker"
	"github.com/efarrell-labs/alertrunner/internal/config"
	"github.com/efarrell-labs/alertrunner/internal/models"
	"github.com/efarrell-labs/alertrunner/internal/registry"
	"github.com/efarrell-labs/alertrunner/internal/risk"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	reg := registry.New(logger)
	gate := risk.NewGate(config.RiskConfig{
		MaxContracts: 5, MaxAdds: 1, MaxDailyLoss: 500, MaxLossStreak: 3,
	}, nil, logger)
	pb := broker.NewPaperBroker(25_000)
	return NewServer(0, reg, gate, pb, logger), reg
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestSessionsEndpoint(t *testing.T) {
	s, reg := newTestServer(t)
	session, _, err := reg.Correlate(&models.Event{
		Type: models.EventNew, Timestamp: time.Now().UTC(),
		Underlying: "SPY", Strike: 500, Expiry: "2026-09-18", Direction: models.DirectionCall,
	})
	require.NoError(t, err)

	rec := get(t, s, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []models.TradeSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, session.ID, sessions[0].ID)

	rec = get(t, s, "/api/session/"+session.ID)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, "/api/session/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRiskEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/api/risk")
	require.Equal(t, http.StatusOK, rec.Code)

	var state risk.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.False(t, state.KillSwitchActive)
}

func TestAccountEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/api/account")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "25000")
}
