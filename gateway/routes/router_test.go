package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"escrowledger/core/events"
	"escrowledger/gateway/middleware"
	escrowcommon "escrowledger/native/common"
	"escrowledger/native/escrow"
	"escrowledger/native/guarantor"
	"escrowledger/native/insurance"
	"escrowledger/native/ledger"
	"escrowledger/native/lending"
	"escrowledger/observability/metrics"
	"escrowledger/storage"
)

var (
	creator     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	beneficiary = common.HexToAddress("0x0000000000000000000000000000000000000002")
	arbiter     = common.HexToAddress("0x0000000000000000000000000000000000000003")
	guarantorA  = common.HexToAddress("0x0000000000000000000000000000000000000004")
	lenderA     = common.HexToAddress("0x0000000000000000000000000000000000000005")
	stranger    = common.HexToAddress("0x0000000000000000000000000000000000000007")
)

const start = int64(1_700_000_000)

type fixture struct {
	t       *testing.T
	now     int64
	bank    *ledger.Bank
	engine  *escrow.Engine
	auth    *middleware.Authenticator
	audit   *storage.AuditLog
	handler http.Handler
	modules *metrics.ModuleMetrics
	hub     *events.Hub
}

func newFixture(t *testing.T, quota escrowcommon.Quota) *fixture {
	t.Helper()
	f := &fixture{t: t, now: start, bank: ledger.NewBank()}
	clock := func() int64 { return f.now }

	registry, err := guarantor.NewRegistry(guarantor.DefaultPolicy(), f.bank,
		ledger.ModuleAddress(ledger.GuarantorStakeModule), ledger.ModuleAddress(ledger.GuarantorRewardModule))
	require.NoError(t, err)
	book := lending.NewBook(lending.DefaultConfig())
	book.SetNowFunc(clock)
	pool := insurance.NewPool(insurance.DefaultConfig(), f.bank, ledger.ModuleAddress(ledger.InsuranceReserveModule))
	pool.SetNowFunc(clock)
	engine, err := escrow.NewEngine(escrow.Deps{
		Bank:      f.bank,
		Vault:     ledger.ModuleAddress(ledger.EscrowVaultModule),
		Registry:  registry,
		Lenders:   book,
		Insurance: pool,
		Pauses:    escrowcommon.NewPauses(),
		Quota:     quota,
	})
	require.NoError(t, err)
	engine.SetNowFunc(clock)
	f.hub = events.NewHub(16)
	engine.SetEmitter(f.hub)
	f.engine = engine

	audit, err := storage.OpenAuditLog(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })
	f.audit = audit

	reg := prometheus.NewRegistry()
	f.modules = metrics.NewModule(reg)
	f.auth = middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: "test-secret", Issuer: "escrowd"}, nil)
	handler, err := New(Config{
		Engine:        engine,
		Lenders:       book,
		Bank:          f.bank,
		Snapshots:     storage.NewSnapshotStore(storage.NewMemDB()),
		Audit:         audit,
		Authenticator: f.auth,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{}, f.modules, reg, nil),
		Throttles:     f.modules,
		Events:        f.hub,
	})
	require.NoError(t, err)
	f.handler = handler
	return f
}

func (f *fixture) do(method, path string, caller *common.Address, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != nil {
		token, err := f.auth.IssueToken(*caller, time.Hour)
		require.NoError(f.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func (f *fixture) fund(addr common.Address, value int64) {
	require.NoError(f.t, f.bank.Deposit(addr, big.NewInt(value)))
}

func (f *fixture) createSimple() escrowView {
	f.t.Helper()
	f.fund(creator, 1_100)
	res := f.do(http.MethodPost, "/v1/escrows", &creator, map[string]any{
		"beneficiary": beneficiary.Hex(),
		"arbiter":     arbiter.Hex(),
		"arbiterFee":  "100",
		"funds":       "1100",
		"milestones": []map[string]any{
			{"amount": "600", "description": "design"},
			{"amount": "400", "description": "build"},
		},
	})
	require.Equal(f.t, http.StatusCreated, res.Code, res.Body.String())
	require.NotEmpty(f.t, res.Header().Get("X-Snapshot-Digest"))
	return decode[escrowView](f.t, res)
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{})
	view := f.createSimple()
	require.Equal(t, uint64(1), view.ID)
	require.Equal(t, "ACTIVE", view.State)
	require.Equal(t, "1000", view.Target)
	require.Len(t, view.Milestones, 2)

	res := f.do(http.MethodPost, "/v1/escrows/1/milestones/0/approve", &creator, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = f.do(http.MethodPost, "/v1/escrows/1/milestones/0/release", &beneficiary, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "600", decode[escrowView](t, res).TotalReleased)
	require.Equal(t, "600", decode[map[string]string](t, f.do(http.MethodGet, "/v1/accounts/"+beneficiary.Hex(), nil, nil))["balance"])

	res = f.do(http.MethodPost, "/v1/escrows/1/milestones/1/approve", &creator, nil)
	require.Equal(t, http.StatusOK, res.Code)
	res = f.do(http.MethodPost, "/v1/escrows/1/milestones/1/release", &creator, nil)
	require.Equal(t, http.StatusOK, res.Code)
	final := decode[escrowView](t, res)
	require.Equal(t, "COMPLETED", final.State)
	require.True(t, final.FeePaid)

	res = f.do(http.MethodGet, "/v1/escrows/1", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "COMPLETED", decode[escrowView](t, res).State)

	res = f.do(http.MethodGet, "/v1/escrows/1/snapshot", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	snap := decode[snapshotView](t, res)
	require.Equal(t, "COMPLETED", snap.Escrow.State)
	require.Equal(t, "1000", snap.Escrow.TotalReleased)

	res = f.do(http.MethodGet, "/v1/escrows/1/audit", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	entries := decode[[]auditView](t, res)
	ops := make([]string, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, e.Operation)
	}
	require.Equal(t, []string{"create", "approve", "release", "approve", "release"}, ops)
	require.Equal(t, creator.Hex(), entries[0].Caller)
	require.NotEmpty(t, entries[0].RequestID)
	require.NotEmpty(t, entries[0].Digest)
}

func TestErrorStatusMapping(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{})
	f.createSimple()

	cases := []struct {
		name   string
		method string
		path   string
		caller *common.Address
		body   any
		status int
		kind   string
	}{
		{"missing token", http.MethodPost, "/v1/escrows/1/cancel", nil, nil, http.StatusUnauthorized, ""},
		{"stranger cancel", http.MethodPost, "/v1/escrows/1/cancel", &stranger, nil, http.StatusForbidden, "unauthorized"},
		{"unknown escrow", http.MethodGet, "/v1/escrows/9", nil, nil, http.StatusNotFound, "not found"},
		{"bad id", http.MethodGet, "/v1/escrows/abc", nil, nil, http.StatusBadRequest, ""},
		{"unknown field", http.MethodPost, "/v1/escrows/1/contribute", &creator, map[string]string{"value": "1"}, http.StatusBadRequest, "invalid input"},
		{"resolve while active", http.MethodPost, "/v1/escrows/1/resolve", &arbiter, map[string]any{"milestones": []int{0}}, http.StatusConflict, "invalid state"},
		{"release unapproved", http.MethodPost, "/v1/escrows/1/milestones/0/release", &beneficiary, nil, http.StatusConflict, ""},
		{"bad beneficiary", http.MethodPost, "/v1/escrows/1/beneficiary", &beneficiary, map[string]string{"beneficiary": "nope"}, http.StatusBadRequest, "invalid input"},
		{"unregistered guarantor", http.MethodGet, "/v1/guarantors/" + stranger.Hex(), nil, nil, http.StatusNotFound, "not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.do(tc.method, tc.path, tc.caller, tc.body)
			require.Equal(t, tc.status, res.Code, res.Body.String())
			if tc.kind != "" {
				require.Equal(t, tc.kind, decode[map[string]string](t, res)["kind"])
			}
		})
	}
}

func TestDisputeResolutionOverHTTP(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{})
	f.createSimple()

	res := f.do(http.MethodPost, "/v1/escrows/1/dispute", &beneficiary, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "DISPUTED", decode[escrowView](t, res).State)

	res = f.do(http.MethodPost, "/v1/escrows/1/resolve", &arbiter, map[string]any{"milestones": []int{0, 1}})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	view := decode[escrowView](t, res)
	require.Equal(t, "COMPLETED", view.State)
	require.Equal(t, int64(1_000), f.bank.Balance(beneficiary).Int64())
	require.Equal(t, int64(100), f.bank.Balance(arbiter).Int64())
}

func TestGuarantorCommitRevealOverHTTP(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{})
	f.fund(creator, 1_000)
	res := f.do(http.MethodPost, "/v1/escrows", &creator, map[string]any{
		"beneficiary":        beneficiary.Hex(),
		"funds":              "1000",
		"milestones":         []map[string]any{{"amount": "1000"}},
		"requiresGuarantors": true,
		"minGuarantorCount":  1,
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	require.Equal(t, "PENDING", decode[escrowView](t, res).State)

	res = f.do(http.MethodPost, "/v1/guarantors/register", &guarantorA, nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	f.fund(guarantorA, 200)
	var secret [32]byte
	secret[0] = 0x42
	hash := guarantor.CommitmentHash(guarantorA, secret, 1)
	res = f.do(http.MethodPost, "/v1/escrows/1/guarantors/commit", &guarantorA, map[string]string{
		"tier":       "primary",
		"stake":      "200",
		"commitment": hexutil.Encode(hash[:]),
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = f.do(http.MethodPost, "/v1/escrows/1/guarantors/reveal", &guarantorA, map[string]string{"secret": hexutil.Encode(secret[:])})
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())

	f.now += int64(guarantor.DefaultPolicy().CommitWindow/time.Second) + 1
	res = f.do(http.MethodPost, "/v1/escrows/1/guarantors/reveal", &guarantorA, map[string]string{"secret": hexutil.Encode(secret[:])})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.True(t, decode[commitmentView](t, res).Revealed)

	res = f.do(http.MethodGet, "/v1/escrows/1/guarantors", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	listing := decode[guarantorListView](t, res)
	require.Equal(t, "OPEN_FOR_REVEAL", listing.Phase)
	require.Len(t, listing.Guarantors, 1)
	require.Equal(t, "PRIMARY", listing.Guarantors[0].Tier)

	res = f.do(http.MethodPost, "/v1/escrows/1/activate", &creator, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "ACTIVE", decode[escrowView](t, res).State)

	res = f.do(http.MethodGet, "/v1/guarantors/"+guarantorA.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "200", decode[profileView](t, res).TotalStaked)
}

func TestLendingOffersOverHTTP(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{})
	f.fund(creator, 100)
	res := f.do(http.MethodPost, "/v1/escrows", &creator, map[string]any{
		"beneficiary": beneficiary.Hex(),
		"funds":       "100",
		"milestones":  []map[string]any{{"amount": "1000"}},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = f.do(http.MethodPost, "/v1/lending/offers", &lenderA, map[string]any{"escrowId": 1, "amount": "900", "rateBps": 700})
	require.Equal(t, http.StatusNotFound, res.Code, res.Body.String())

	res = f.do(http.MethodPost, "/v1/lending/lenders", &lenderA, nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	res = f.do(http.MethodPost, "/v1/lending/offers", &lenderA, map[string]any{"escrowId": 1, "amount": "900", "rateBps": 700})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = f.do(http.MethodGet, "/v1/lending/offers/1/best", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	offer := decode[offerView](t, res)
	require.Equal(t, lenderA.Hex(), offer.Lender)
	require.Equal(t, uint64(700), offer.RateBps)

	res = f.do(http.MethodPost, "/v1/lending/offers", &lenderA, map[string]any{"escrowId": 7, "amount": "1", "rateBps": 1})
	require.Equal(t, http.StatusNotFound, res.Code)

	res = f.do(http.MethodPost, "/v1/lending/offers/withdraw", &lenderA, map[string]any{"escrowId": 1})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = f.do(http.MethodGet, "/v1/lending/offers/1/best", nil, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestQuotaRejectionIsThrottled(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 3_600})
	f.createSimple()

	res := f.do(http.MethodPost, "/v1/escrows/1/milestones/0/approve", &creator, nil)
	require.Equal(t, http.StatusTooManyRequests, res.Code, res.Body.String())

	res = f.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `escrow_module_throttles_total{module="escrows",reason="quota_exceeded"} 1`)
}

func TestActivateWithLenderOverHTTP(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{})
	f.fund(creator, 100)
	f.fund(lenderA, 900)
	f.fund(beneficiary, 100)
	res := f.do(http.MethodPost, "/v1/escrows", &creator, map[string]any{
		"beneficiary": beneficiary.Hex(),
		"funds":       "100",
		"milestones":  []map[string]any{{"amount": "1000"}},
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/v1/lending/lenders", &lenderA, nil).Code)
	res = f.do(http.MethodPost, "/v1/lending/offers", &lenderA, map[string]any{"escrowId": 1, "amount": "900", "rateBps": 450})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = f.do(http.MethodPost, "/v1/escrows/1/activate-with-lender", &creator, map[string]string{"lender": ""})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	view := decode[escrowView](t, res)
	require.Equal(t, "ACTIVE", view.State)
	require.Equal(t, lenderA.Hex(), view.Lender)
	require.Equal(t, uint64(450), view.InterestRateBps)
	require.Equal(t, "1000", view.TotalFunded)
	require.Zero(t, f.bank.Balance(lenderA).Sign())

	res = f.do(http.MethodPost, "/v1/lending/offers/withdraw", &lenderA, map[string]any{"escrowId": 1})
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())

	res = f.do(http.MethodGet, "/v1/lending/lenders/"+lenderA.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "900", decode[map[string]any](t, res)["totalLent"])
}

func TestGuarantorListingWithoutRound(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{})
	f.createSimple()

	res := f.do(http.MethodGet, "/v1/escrows/1/guarantors", nil, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	body := decode[map[string]any](t, res)
	require.NotContains(t, body, "phase")
	require.Equal(t, []any{}, body["guarantors"])

	res = f.do(http.MethodGet, "/v1/escrows/9/guarantors", nil, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{})
	res := f.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", decode[map[string]any](t, res)["status"])
}

func TestEventStreamOverWebsocket(t *testing.T) {
	f := newFixture(t, escrowcommon.Quota{})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?escrow=1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	f.createSimple()
	var types []string
	for len(types) < 2 {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var frame eventFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		require.Equal(t, "1", frame.Attributes["id"])
		types = append(types, frame.Type)
	}
	require.Equal(t, []string{"escrow.created", "escrow.activated"}, types)

	res := f.do(http.MethodGet, "/v1/events?escrow=x", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestNormalizeDescription(t *testing.T) {
	require.Equal(t, "caf\u00e9 delivery", normalizeDescription("  cafe\u0301 delivery\n"))
	require.Equal(t, "", normalizeDescription("   "))
}
