package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copyvault/internal/crypto"
	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/market"
	"github.com/alanyoungcy/copyvault/internal/oracle"
	"github.com/alanyoungcy/copyvault/internal/server/handler"
	"github.com/alanyoungcy/copyvault/internal/server/middleware"
	"github.com/alanyoungcy/copyvault/internal/service"
	"github.com/alanyoungcy/copyvault/internal/store/leveldb"
	"github.com/alanyoungcy/copyvault/internal/treasury"
)

// Well-known development keys.
const (
	traderKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	followerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	adminKey    = "5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a"
)

type denyAfter struct {
	n    int
	seen map[string]int
}

func (d *denyAfter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	if d.seen == nil {
		d.seen = make(map[string]int)
	}
	d.seen[key]++
	return d.seen[key] <= d.n, nil
}

type testServer struct {
	t        *testing.T
	handler  http.Handler
	now      time.Time
	oracle   *oracle.Fixed
	book     *treasury.Book
	trader   *crypto.Signer
	follower *crypto.Signer
	admin    *crypto.Signer
}

func newTestServer(t *testing.T, limiter domain.RateLimiter, limit int) *testServer {
	t.Helper()
	return newGuardedTestServer(t, limiter, limit, nil)
}

func newGuardedTestServer(t *testing.T, limiter domain.RateLimiter, limit int, replay domain.ReplayGuard) *testServer {
	t.Helper()
	ts := &testServer{
		t:      t,
		now:    time.Now().UTC().Truncate(time.Second),
		oracle: oracle.NewFixed(nil),
	}
	var err error
	ts.trader, err = crypto.NewSigner(traderKey)
	require.NoError(t, err)
	ts.follower, err = crypto.NewSigner(followerKey)
	require.NoError(t, err)
	ts.admin, err = crypto.NewSigner(adminKey)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return ts.now }

	db, err := leveldb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := market.NewLedger(ts.oracle, leveldb.NewConditionStore(db), clock, logger)
	ts.book = treasury.NewBook(nil, logger)
	vaults := service.NewVaultService(
		leveldb.NewVaultStore(db), leveldb.NewEventStore(db), ledger, ts.book,
		nil, nil, nil, nil, domain.StakeFullPool, logger,
	).WithClock(clock)

	ts.handler = NewHandler(Config{
		RateLimit:        limit,
		RateWindow:       time.Minute,
		SignatureMaxSkew: 5 * time.Minute,
		ReplayGuard:      replay,
		Admins:           []common.Address{ts.admin.Address()},
	}, Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Status:     handler.NewStatusHandler("serve", "", vaults),
		Vaults:     handler.NewVaultHandler(vaults, ledger, time.Hour, logger),
		Conditions: handler.NewConditionHandler(ledger, nil, logger),
		Oracle:     handler.NewOracleHandler(ts.oracle, logger),
		Accounts:   handler.NewAccountHandler(ts.book, logger),
	}, nil, limiter, logger)
	return ts
}

// do sends a request, signed by s when s is non-nil, and decodes a JSON
// response into out when out is non-nil.
func (ts *testServer) do(s *crypto.Signer, method, target string, body any, out any) int {
	ts.t.Helper()
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		require.NoError(ts.t, err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	if s != nil {
		stamp := time.Now().Unix()
		sig, err := s.SignRequest(method, req.URL.Path, stamp, data)
		require.NoError(ts.t, err)
		req.Header.Set(middleware.HeaderCaller, s.Address().Hex())
		req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(stamp, 10))
		req.Header.Set(middleware.HeaderSignature, sig)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(ts.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestVaultAPILifecycle(t *testing.T) {
	ts := newTestServer(t, nil, 0)

	var opened struct {
		ID        string `json:"id"`
		Trader    string `json:"trader"`
		TotalPool string `json:"total_pool"`
	}
	code := ts.do(ts.trader, http.MethodPost, "/api/vaults", map[string]string{
		"name": "btc momentum", "opening_fund": "100",
	}, &opened)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, ts.trader.Address().Hex(), opened.Trader)
	assert.Equal(t, "100", opened.TotalPool)
	base := "/api/vaults/" + opened.ID

	var cp struct {
		ID        uint64 `json:"id"`
		TotalPool string `json:"total_pool"`
		Kind      string `json:"kind"`
	}
	code = ts.do(ts.follower, http.MethodPost, base+"/funds", map[string]string{"amount": "50"}, &cp)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, uint64(1), cp.ID)
	assert.Equal(t, "150", cp.TotalPool)
	assert.Equal(t, string(domain.CheckpointFollowerFund), cp.Kind)

	code = ts.do(ts.follower, http.MethodPost, base+"/funds", map[string]string{"amount": "5", "role": "trader"}, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code = ts.do(ts.follower, http.MethodPost, base+"/funds", map[string]string{"amount": "-5"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	condReq := map[string]any{
		"oracle_ref":      "BTCUSD",
		"settlement_time": ts.now.Add(time.Hour),
		"trigger_value":   "50000",
		"market_label":    "BTC above 50k",
	}
	assert.Equal(t, http.StatusForbidden, ts.do(ts.trader, http.MethodPost, "/api/conditions", condReq, nil))
	assert.Equal(t, http.StatusUnauthorized, ts.do(nil, http.MethodPost, "/api/conditions", condReq, nil))
	var cond struct {
		ID       uint64 `json:"id"`
		Resolved bool   `json:"resolved"`
		Outcome  string `json:"outcome"`
	}
	require.Equal(t, http.StatusCreated, ts.do(ts.admin, http.MethodPost, "/api/conditions", condReq, &cond))
	assert.Equal(t, uint64(1), cond.ID)

	wagerReq := map[string]any{"condition_id": 1, "outcome": "high", "amount": "150"}
	assert.Equal(t, http.StatusForbidden, ts.do(ts.follower, http.MethodPost, base+"/wagers", wagerReq, nil))
	assert.Equal(t, http.StatusBadRequest,
		ts.do(ts.trader, http.MethodPost, base+"/wagers", map[string]any{"condition_id": 1, "outcome": "sideways", "amount": "150"}, nil))
	var wager struct {
		Index        int    `json:"index"`
		CheckpointID uint64 `json:"checkpoint_id"`
		StakeAmount  string `json:"stake_amount"`
	}
	require.Equal(t, http.StatusCreated, ts.do(ts.trader, http.MethodPost, base+"/wagers", wagerReq, &wager))
	assert.Equal(t, 0, wager.Index)
	assert.Equal(t, uint64(2), wager.CheckpointID)
	assert.Equal(t, "150", wager.StakeAmount)

	assert.Equal(t, http.StatusTooEarly, ts.do(ts.follower, http.MethodPost, base+"/wagers/0/claims", nil, nil))
	assert.Equal(t, http.StatusTooEarly, ts.do(nil, http.MethodPost, "/api/conditions/1/resolve", nil, nil))

	require.Equal(t, http.StatusOK, ts.do(ts.admin, http.MethodPut, "/api/oracle/BTCUSD", map[string]string{"value": "51000"}, nil))
	ts.now = ts.now.Add(2 * time.Hour)
	require.Equal(t, http.StatusOK, ts.do(nil, http.MethodPost, "/api/conditions/1/resolve", nil, &cond))
	assert.True(t, cond.Resolved)
	assert.Equal(t, "high", cond.Outcome)

	var st struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	require.Equal(t, http.StatusOK, ts.do(ts.follower, http.MethodPost, base+"/wagers/0/claims", nil, &st))
	assert.Equal(t, ts.follower.Address().Hex(), st.Account)
	assert.Equal(t, "50", st.Amount)
	assert.Equal(t, http.StatusConflict, ts.do(ts.follower, http.MethodPost, base+"/wagers/0/claims", nil, nil))

	// The follower relays the trader's claim.
	var relayed struct {
		Amount    string `json:"amount"`
		RelayedBy string `json:"relayed_by"`
	}
	require.Equal(t, http.StatusOK, ts.do(ts.follower, http.MethodPost, base+"/wagers/0/claims",
		map[string]string{"account": ts.trader.Address().Hex()}, &relayed))
	assert.Equal(t, "100", relayed.Amount)
	assert.Equal(t, ts.follower.Address().Hex(), relayed.RelayedBy)
	var acct struct {
		Balance string `json:"balance"`
		Credits []struct {
			Ref    string `json:"ref"`
			Amount string `json:"amount"`
		} `json:"credits"`
	}
	require.Equal(t, http.StatusOK, ts.do(nil, http.MethodGet, "/api/accounts/"+ts.trader.Address().Hex(), nil, &acct))
	assert.Equal(t, "100", acct.Balance)
	require.Len(t, acct.Credits, 1)
	assert.Equal(t, domain.PayoutRef(opened.ID, 0, ts.trader.Address()), acct.Credits[0].Ref)
	assert.Equal(t, http.StatusBadRequest, ts.do(nil, http.MethodGet, "/api/accounts/nothex", nil, nil))

	var view struct {
		Status      string `json:"status"`
		Redeemed    bool   `json:"redeemed"`
		Payout      string `json:"payout"`
		Unstaked    string `json:"unstaked"`
		Share       string `json:"share"`
		Entitlement string `json:"entitlement"`
		Instrument  struct {
			Redeemed bool   `json:"redeemed"`
			Payout   string `json:"payout"`
		} `json:"instrument"`
	}
	require.Equal(t, http.StatusOK, ts.do(nil, http.MethodGet, base+"/wagers/0?account="+ts.follower.Address().Hex(), nil, &view))
	assert.Equal(t, string(domain.WagerSettled), view.Status)
	assert.True(t, view.Redeemed)
	assert.Equal(t, "150", view.Payout)
	assert.Equal(t, "50", view.Entitlement)
	assert.Equal(t, "0", view.Unstaked)
	assert.Contains(t, view.Share, "0.3333")
	assert.True(t, view.Instrument.Redeemed)
	assert.Equal(t, "150", view.Instrument.Payout)

	var conds struct {
		Conditions []json.RawMessage `json:"conditions"`
		LatestID   uint64            `json:"latest_id"`
	}
	require.Equal(t, http.StatusOK, ts.do(nil, http.MethodGet, "/api/conditions?resolved=false", nil, &conds))
	assert.Empty(t, conds.Conditions)
	assert.Equal(t, uint64(1), conds.LatestID)

	var genesis struct {
		TotalPool string `json:"total_pool"`
		Kind      string `json:"kind"`
	}
	require.Equal(t, http.StatusOK, ts.do(nil, http.MethodGet, base+"/checkpoints/0", nil, &genesis))
	assert.Equal(t, "100", genesis.TotalPool)
	assert.Equal(t, string(domain.CheckpointGenesis), genesis.Kind)
	assert.Equal(t, http.StatusNotFound, ts.do(nil, http.MethodGet, base+"/checkpoints/9", nil, nil))

	var fv struct {
		Contributed string `json:"contributed"`
	}
	require.Equal(t, http.StatusOK, ts.do(nil, http.MethodGet, base+"/followers/"+ts.follower.Address().Hex(), nil, &fv))
	assert.Equal(t, "50", fv.Contributed)

	var evs struct {
		Events []domain.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, ts.do(nil, http.MethodGet, base+"/events?after=3", nil, &evs))
	require.Len(t, evs.Events, 3)
	assert.Equal(t, domain.EventWagerRedeemed, evs.Events[0].Type)

	var status map[string]any
	require.Equal(t, http.StatusOK, ts.do(nil, http.MethodGet, "/api/status", nil, &status))
	assert.EqualValues(t, 1, status["live_vaults"])
}

func TestSignatureChecks(t *testing.T) {
	ts := newTestServer(t, nil, 0)
	body := []byte(`{"name":"x","opening_fund":"1"}`)

	tests := []struct {
		name   string
		mutate func(r *http.Request)
	}{
		{"no caller", func(r *http.Request) {}},
		{"wrong signer", func(r *http.Request) {
			sig, _ := ts.follower.SignRequest(http.MethodPost, "/api/vaults", time.Now().Unix(), body)
			r.Header.Set(middleware.HeaderCaller, ts.trader.Address().Hex())
			r.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
			r.Header.Set(middleware.HeaderSignature, sig)
		}},
		{"stale timestamp", func(r *http.Request) {
			stamp := time.Now().Add(-time.Hour).Unix()
			sig, _ := ts.trader.SignRequest(http.MethodPost, "/api/vaults", stamp, body)
			r.Header.Set(middleware.HeaderCaller, ts.trader.Address().Hex())
			r.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(stamp, 10))
			r.Header.Set(middleware.HeaderSignature, sig)
		}},
		{"tampered body", func(r *http.Request) {
			stamp := time.Now().Unix()
			sig, _ := ts.trader.SignRequest(http.MethodPost, "/api/vaults", stamp, []byte(`{}`))
			r.Header.Set(middleware.HeaderCaller, ts.trader.Address().Hex())
			r.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(stamp, 10))
			r.Header.Set(middleware.HeaderSignature, sig)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/vaults", bytes.NewReader(body))
			tt.mutate(req)
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
		})
	}
}

func TestUnknownVaultIsNotFound(t *testing.T) {
	ts := newTestServer(t, nil, 0)
	assert.Equal(t, http.StatusNotFound, ts.do(nil, http.MethodGet, "/api/vaults/missing", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(nil, http.MethodGet, "/api/conditions/abc", nil, nil))

	var health map[string]any
	assert.Equal(t, http.StatusOK, ts.do(nil, http.MethodGet, "/api/health", nil, &health))
	assert.Equal(t, "ok", health["status"])
}

func TestRateLimitPerCaller(t *testing.T) {
	ts := newTestServer(t, &denyAfter{n: 2}, 2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.do(ts.trader, http.MethodGet, "/api/status", nil, nil))
	}
	assert.Equal(t, http.StatusTooManyRequests, ts.do(ts.trader, http.MethodGet, "/api/status", nil, nil))
	// A different caller has its own budget.
	assert.Equal(t, http.StatusOK, ts.do(ts.follower, http.MethodGet, "/api/status", nil, nil))
}

func TestReplayedSignedWriteIsRejected(t *testing.T) {
	ts := newGuardedTestServer(t, nil, 0, middleware.NewMemoryReplayGuard(nil))
	body := []byte(`{"name":"x","opening_fund":"1"}`)
	stamp := time.Now().Unix()
	sig, err := ts.trader.SignRequest(http.MethodPost, "/api/vaults", stamp, body)
	require.NoError(t, err)

	send := func(method, target string, payload []byte, sig string) int {
		req := httptest.NewRequest(method, target, bytes.NewReader(payload))
		req.Header.Set(middleware.HeaderCaller, ts.trader.Address().Hex())
		req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(stamp, 10))
		req.Header.Set(middleware.HeaderSignature, sig)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusCreated, send(http.MethodPost, "/api/vaults", body, sig))
	assert.Equal(t, http.StatusUnauthorized, send(http.MethodPost, "/api/vaults", body, sig), "captured request replayed")

	// Signed reads may repeat.
	read, err := ts.trader.SignRequest(http.MethodGet, "/api/status", stamp, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/api/status", nil, read))
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/api/status", nil, read))
}
