package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solvena/polisvault/internal/clock"
	"github.com/solvena/polisvault/internal/compliance"
	"github.com/solvena/polisvault/internal/config"
	"github.com/solvena/polisvault/internal/database"
	"github.com/solvena/polisvault/internal/server"
	"github.com/solvena/polisvault/internal/transfer"
	"github.com/solvena/polisvault/internal/valuation"
	"github.com/solvena/polisvault/internal/vault"
	"github.com/solvena/polisvault/internal/waterfall"
)

type apiEnv struct {
	handler  http.Handler
	ledger   transfer.Ledger
	clk      *clock.Mock
	operator uuid.UUID
}

func setupAPI(t *testing.T, srvCfg config.ServerConfig) *apiEnv {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	logger := zap.NewNop()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tl := transfer.NewLedger(logger, db)
	comp := compliance.NewService(logger, db)

	ccfg := config.ConsensusConfig{
		MinQuorum:             3,
		MaxDeviationBps:       500,
		AgreementThresholdBps: 6000,
		ReputationRewardBps:   100,
		ReputationPenaltyBps:  500,
		ReputationFloorBps:    2500,
		InitialReputationBps:  5000,
		SubmissionReward:      "0",
		MinStake:              "1000",
		StalenessBound:        24 * time.Hour,
	}
	vl := valuation.NewLedger(logger, db, clk, tl, ccfg)
	engine := valuation.NewEngine(logger, vl, nil, valuation.RewardFundAccount)

	vcfg := config.VaultConfig{
		MaxLTVBps:               8000,
		LiquidationThresholdBps: 9000,
		ConcentrationCapBps:     2500,
		ConcentrationFloor:      "10000",
		LiquidationPenaltyBps:   500,
		CallerShareBps:          4000,
	}
	vs := vault.NewService(logger, db, clk, vl, comp, tl, vault.NopPublisher{}, vcfg)

	wcfg := config.WaterfallConfig{
		SeniorMinRateBps:      300,
		ProtectionFractionBps: 7000,
		JuniorMaxRateBps:      2000,
	}
	ws := waterfall.NewService(logger, db, clk, comp, tl, wcfg)
	require.NoError(t, ws.Bootstrap(context.Background()))

	srv := server.NewServer(logger, srvCfg, vl, engine, vs, ws, comp)

	operator := uuid.New()
	require.NoError(t, tl.Credit(context.Background(), operator, valuation.StakeCurrency, decimal.NewFromInt(10000)))

	return &apiEnv{handler: srv.Handler(), ledger: tl, clk: clk, operator: operator}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := setupAPI(t, config.ServerConfig{})
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSOriginHandling(t *testing.T) {
	// no configured origins: every origin is allowed
	env := setupAPI(t, config.ServerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	// configured origins: matching origin echoed, others refused
	env = setupAPI(t, config.ServerConfig{AllowedOrigins: []string{"https://dashboard.example"}})
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dashboard.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://other.example")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterAttestorEndpoint(t *testing.T) {
	env := setupAPI(t, config.ServerConfig{})

	rec := env.do(t, http.MethodPost, "/api/v1/attestors", map[string]string{
		"name":     "acme-oracle",
		"operator": env.operator.String(),
		"stake":    "1000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var att struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Reputation int64  `json:"reputation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &att))
	assert.Equal(t, "acme-oracle", att.Name)
	assert.Equal(t, int64(5000), att.Reputation)
	_, err := uuid.Parse(att.ID)
	assert.NoError(t, err)

	// duplicate name is a conflict
	rec = env.do(t, http.MethodPost, "/api/v1/attestors", map[string]string{
		"name":     "acme-oracle",
		"operator": env.operator.String(),
		"stake":    "1000",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	env := setupAPI(t, config.ServerConfig{})

	// malformed body
	rec := env.do(t, http.MethodPost, "/api/v1/attestors", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// policy rejection: stake below minimum
	rec = env.do(t, http.MethodPost, "/api/v1/attestors", map[string]string{
		"name":     "tiny",
		"operator": env.operator.String(),
		"stake":    "1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body struct {
		Kind string `json:"kind"`
		Rule string `json:"rule"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "policy_violation", body.Kind)
	assert.NotEmpty(t, body.Rule)

	// unknown position
	rec = env.do(t, http.MethodGet, "/api/v1/positions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// malformed path id
	rec = env.do(t, http.MethodGet, "/api/v1/positions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValuationRoundFlow(t *testing.T) {
	env := setupAPI(t, config.ServerConfig{})

	attestors := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/attestors", map[string]string{
			"name":     fmt.Sprintf("oracle-%d", i),
			"operator": env.operator.String(),
			"stake":    "1000",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var att struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &att))
		attestors = append(attestors, att.ID)
	}

	deadline := env.clk.Now().Add(time.Hour)
	rec := env.do(t, http.MethodPost, "/api/v1/rounds", map[string]any{
		"asset_id": "POLICY-7",
		"deadline": deadline,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var round struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &round))

	for i, id := range attestors {
		rec = env.do(t, http.MethodPost, "/api/v1/rounds/"+round.ID+"/submissions", map[string]string{
			"attestor_id": id,
			"value":       fmt.Sprintf("%d", 100+i),
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/rounds/"+round.ID+"/finalize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/valuations/POLICY-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var val struct {
		Valuation struct {
			Value string `json:"value"`
		} `json:"valuation"`
		Stale bool `json:"stale"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &val))
	assert.Equal(t, "101", val.Valuation.Value)
	assert.False(t, val.Stale)

	// finalizing twice conflicts
	rec = env.do(t, http.MethodPost, "/api/v1/rounds/"+round.ID+"/finalize", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	env := setupAPI(t, config.ServerConfig{JWTSecret: "tests-only-secret"})

	rec := env.do(t, http.MethodGet, "/api/v1/attestors", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": uuid.NewString(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("tests-only-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attestors", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// wrong key
	badToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"})
	badSigned, err := badToken.SignedString([]byte("another-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/attestors", nil)
	req.Header.Set("Authorization", "Bearer "+badSigned)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
