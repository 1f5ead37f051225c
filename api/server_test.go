package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"tranchepool/native/vault"
)

const (
	testSecret = "test-secret"
	testNow    = int64(1_700_000_000)
)

var (
	testAdmin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testOperator = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	testAlice    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type memoryState struct {
	tranches    map[vault.TrancheID]*vault.Tranche
	balances    *vault.Balances
	loans       map[string]*vault.Loan
	shares      map[string]*big.Int
	redemptions map[string]*vault.DepositorRedemption
}

func newMemoryState() *memoryState {
	return &memoryState{
		tranches:    make(map[vault.TrancheID]*vault.Tranche),
		loans:       make(map[string]*vault.Loan),
		shares:      make(map[string]*big.Int),
		redemptions: make(map[string]*vault.DepositorRedemption),
	}
}

func (m *memoryState) key(id vault.TrancheID, addr common.Address) string {
	return fmt.Sprintf("%d/%s", id, addr.Hex())
}

func (m *memoryState) GetTranche(id vault.TrancheID) (*vault.Tranche, error) {
	return m.tranches[id], nil
}

func (m *memoryState) PutTranche(id vault.TrancheID, tranche *vault.Tranche) error {
	m.tranches[id] = tranche
	return nil
}

func (m *memoryState) GetBalances() (*vault.Balances, error)         { return m.balances, nil }
func (m *memoryState) PutBalances(balances *vault.Balances) error    { m.balances = balances; return nil }
func (m *memoryState) GetLoan(reference string) (*vault.Loan, error) { return m.loans[reference], nil }

func (m *memoryState) PutLoan(loan *vault.Loan) error {
	m.loans[loan.Reference] = loan
	return nil
}

func (m *memoryState) GetShares(id vault.TrancheID, addr common.Address) (*big.Int, error) {
	return m.shares[m.key(id, addr)], nil
}

func (m *memoryState) PutShares(id vault.TrancheID, addr common.Address, shares *big.Int) error {
	m.shares[m.key(id, addr)] = shares
	return nil
}

func (m *memoryState) GetRedemption(id vault.TrancheID, addr common.Address) (*vault.DepositorRedemption, error) {
	return m.redemptions[m.key(id, addr)], nil
}

func (m *memoryState) PutRedemption(id vault.TrancheID, addr common.Address, redemption *vault.DepositorRedemption) error {
	m.redemptions[m.key(id, addr)] = redemption
	return nil
}

func (m *memoryState) DeleteRedemption(id vault.TrancheID, addr common.Address) error {
	delete(m.redemptions, m.key(id, addr))
	return nil
}

type noopTransfer struct{}

func (noopTransfer) Pull(common.Address, *big.Int) error { return nil }
func (noopTransfer) Push(common.Address, *big.Int) error { return nil }

type staticAdapter struct {
	terms  map[string]vault.LoanTerms
	repaid map[string]bool
}

func (a *staticAdapter) Terms(reference string) (vault.LoanTerms, error) {
	terms, ok := a.terms[reference]
	if !ok {
		return vault.LoanTerms{}, errors.New("unknown receivable")
	}
	return terms, nil
}

func (a *staticAdapter) IsRepaid(reference string) (bool, error)  { return a.repaid[reference], nil }
func (a *staticAdapter) IsExpired(string) (bool, error)           { return false, nil }
func (a *staticAdapter) IsLiquidated(string) (bool, error)        { return false, nil }

func testWad(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newTestServer(t *testing.T) (*Server, *staticAdapter) {
	t.Helper()
	policy := vault.NewStaticPolicy()
	policy.Grant(testAdmin, vault.RoleAdmin)
	policy.Grant(testOperator, vault.RoleOperator)

	adapter := &staticAdapter{terms: make(map[string]vault.LoanTerms), repaid: make(map[string]bool)}
	engine := vault.NewEngine(noopTransfer{}, adapter, policy)
	engine.SetState(newMemoryState())
	engine.SetClock(func() time.Time { return time.Unix(testNow, 0).UTC() })

	cfg := vault.Config{
		SeniorRateWad:          50_000_000_000_000_000, // 5%/yr
		MinLoanDurationSeconds: 3600,
		Utilization: vault.RateModelConfig{
			MaxWad: 1_000_000_000_000_000_000,
		},
		Collateral: []vault.CollateralConfig{{
			Class:          "invoice",
			DurationWeight: 100,
			LoanToValueModel: vault.RateModelConfig{
				MaxWad: 1_000_000_000_000_000_000,
			},
			DurationModel: vault.RateModelConfig{
				OffsetWad: 100_000_000_000_000_000, // 10%/yr
				MaxWad:    1_000_000_000_000_000_000,
			},
		}},
	}
	require.NoError(t, cfg.Apply(engine, testAdmin))

	auth := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "tranchepool"}, nil)
	return NewServer(Config{Engine: engine, Auth: auth}), adapter
}

func signToken(t *testing.T, subject common.Address, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   "tranchepool",
		"sub":   subject.Hex(),
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestDepositAndTrancheState(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/v1/deposits", "", depositRequest{
		Depositor: testAlice.Hex(),
		Tranche:   "senior",
		Amount:    testWad(10).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var deposit map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deposit))
	require.Equal(t, testWad(10).String(), deposit["shares"])

	rec = doJSON(t, handler, http.MethodGet, "/v1/tranches/senior", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, testWad(10).String(), state["depositValue"])
	require.Equal(t, "1000000000000000000", state["sharePrice"])

	rec = doJSON(t, handler, http.MethodGet, "/v1/pool", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pool map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pool))
	require.Equal(t, testWad(10).String(), pool["totalCashBalance"])
}

func TestDepositValidation(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/v1/deposits", "", depositRequest{
		Depositor: testAlice.Hex(),
		Tranche:   "mezzanine",
		Amount:    "1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/v1/deposits", "", depositRequest{
		Depositor: "nope",
		Tranche:   "senior",
		Amount:    "1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/v1/deposits", "", depositRequest{
		Depositor: testAlice.Hex(),
		Tranche:   "senior",
		Amount:    "-5",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPurchaseLifecycleOverHTTP(t *testing.T) {
	server, adapter := newTestServer(t)
	handler := server.Handler()
	operatorToken := signToken(t, testOperator, ScopeOperator)

	rec := doJSON(t, handler, http.MethodPost, "/v1/deposits", "", depositRequest{
		Depositor: testAlice.Hex(), Tranche: "senior", Amount: testWad(10).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doJSON(t, handler, http.MethodPost, "/v1/deposits", "", depositRequest{
		Depositor: testAlice.Hex(), Tranche: "junior", Amount: testWad(5).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	maturity := uint64(testNow + 365*24*3600)
	adapter.terms["loan-1"] = vault.LoanTerms{
		Principal:       testWad(2),
		Repayment:       testWad(3),
		CollateralValue: testWad(4),
		Maturity:        maturity,
		DurationTotal:   365 * 24 * 3600,
		Collateral:      "invoice",
		Borrower:        testAlice,
	}

	rec = doJSON(t, handler, http.MethodGet, "/v1/loans/loan-1/quote", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var quote map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	require.NotEmpty(t, quote["purchasePrice"])

	// Unauthenticated purchase is rejected before touching the engine.
	rec = doJSON(t, handler, http.MethodPost, "/v1/loans/loan-1/purchase", "", purchaseRequest{Price: quote["purchasePrice"]})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A depositor-scoped token lacks the operator scope.
	badToken := signToken(t, testOperator, "vault.viewer")
	rec = doJSON(t, handler, http.MethodPost, "/v1/loans/loan-1/purchase", badToken, purchaseRequest{Price: quote["purchasePrice"]})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/v1/loans/loan-1/purchase", operatorToken, purchaseRequest{Price: quote["purchasePrice"]})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var loan loanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loan))
	require.True(t, loan.Active)
	require.Equal(t, quote["purchasePrice"], loan.PurchasePrice)

	// Re-purchasing the same reference conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/v1/loans/loan-1/purchase", operatorToken, purchaseRequest{Price: quote["purchasePrice"]})
	require.Equal(t, http.StatusConflict, rec.Code)

	adapter.repaid["loan-1"] = true
	rec = doJSON(t, handler, http.MethodPost, "/v1/loans/loan-1/repaid", operatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, handler, http.MethodGet, "/v1/loans/loan-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loan))
	require.False(t, loan.Active)
}

func TestUnknownLoanIsNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()
	rec := doJSON(t, handler, http.MethodGet, "/v1/loans/ghost", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseBlocksDepositsWith503(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()
	adminToken := signToken(t, testAdmin, ScopeAdmin)

	rec := doJSON(t, handler, http.MethodPost, "/v1/admin/pause", adminToken, pauseRequest{Paused: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, handler, http.MethodPost, "/v1/deposits", "", depositRequest{
		Depositor: testAlice.Hex(), Tranche: "senior", Amount: "1",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Operators cannot reach the admin surface.
	operatorToken := signToken(t, testOperator, ScopeOperator)
	rec = doJSON(t, handler, http.MethodPost, "/v1/admin/pause", operatorToken, pauseRequest{Paused: false})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminParameterUpdates(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()
	adminToken := signToken(t, testAdmin, ScopeAdmin)

	rec := doJSON(t, handler, http.MethodPost, "/v1/admin/senior-rate", adminToken, seniorRateRequest{
		RateWad: "80000000000000000", // 8%/yr
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, handler, http.MethodPost, "/v1/admin/reserve-ratio", adminToken, reserveRatioRequest{Bps: 800})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Above 100% the engine refuses the ratio.
	rec = doJSON(t, handler, http.MethodPost, "/v1/admin/reserve-ratio", adminToken, reserveRatioRequest{Bps: 20_000})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/v1/admin/min-duration", adminToken, minDurationRequest{Seconds: 7200})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, handler, http.MethodPost, "/v1/admin/collateral", adminToken, collateralRequest{
		Class:          "equipment",
		DurationWeight: 100,
		LoanToValue:    rateModelRequest{MaxWad: 1_000_000_000_000_000_000},
		Duration: rateModelRequest{
			OffsetWad: 120_000_000_000_000_000,
			MaxWad:    1_000_000_000_000_000_000,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Weights not summing to 100 never reach the engine.
	rec = doJSON(t, handler, http.MethodPost, "/v1/admin/collateral", adminToken, collateralRequest{
		Class:          "equipment",
		DurationWeight: 40,
		LoanToValue:    rateModelRequest{MaxWad: 1_000_000_000_000_000_000},
		Duration:       rateModelRequest{MaxWad: 1_000_000_000_000_000_000},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Operators cannot update parameters.
	operatorToken := signToken(t, testOperator, ScopeOperator)
	rec = doJSON(t, handler, http.MethodPost, "/v1/admin/reserve-ratio", operatorToken, reserveRatioRequest{Bps: 100})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRateLimiterThrottles(t *testing.T) {
	server, _ := newTestServer(t)
	server.limiter = NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1})
	handler := server.Handler()

	first := doJSON(t, handler, http.MethodGet, "/v1/pool", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := doJSON(t, handler, http.MethodGet, "/v1/pool", "", nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}
