package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Peergos/payments/internal/engine"
	"github.com/Peergos/payments/internal/gateway"
	"github.com/Peergos/payments/internal/ledger"
	"github.com/Peergos/payments/internal/pricing"
	"github.com/Peergos/payments/internal/units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "test-admin-token"

type fakeTrigger struct{ calls int }

func (f *fakeTrigger) RunNow() { f.calls++ }

func newTestServer(t *testing.T) (*Server, *fakeTrigger, *gateway.MockGateway) {
	t.Helper()
	reg := prometheus.NewRegistry()
	store := ledger.NewMemoryStore()
	bank := gateway.NewMockGateway()
	eng := engine.New(store, pricing.NewLinearPricer(units.Gigabyte.Div(100)), bank,
		zap.NewNop(), reg, engine.Config{
			MinPaymentCents:  500,
			DefaultFreeQuota: units.Megabyte.Mul(100),
			MaxUsers:         10,
			AllowedQuotas:    []units.ByteCount{0, units.Megabyte, units.Gigabyte.Mul(5)},
			PortalURL:        "https://billing.example.com",
			RetryBackoff:     time.Millisecond,
		})
	trigger := &fakeTrigger{}
	return NewServer(":0", testToken, zap.NewNop(), eng, trigger, reg), trigger, bank
}

func doRequest(t *testing.T, s *Server, method, target, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, "GET", "/admin/usernames", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/admin/usernames", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	got := httptest.NewRecorder()
	s.Handler().ServeHTTP(got, req)
	assert.Equal(t, http.StatusUnauthorized, got.Code)

	rec = doRequest(t, s, "GET", "/admin/usernames", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, "GET", "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = doRequest(t, s, "GET", "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignups(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, "GET", "/admin/signups", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["acceptingSignups"])
}

func TestQuotaRequestFlow(t *testing.T) {
	s, _, bank := newTestServer(t)

	rec := doRequest(t, s, "POST", "/admin/quota-request",
		`{"username":"bob","quotaBytes":5368709120}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, "settled", outcome["outcome"])
	assert.Len(t, bank.Payments(), 1)

	rec = doRequest(t, s, "GET", "/admin/quota?username=bob", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var quota map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quota))
	assert.Equal(t, units.Gigabyte.Mul(5).Add(units.Megabyte.Mul(100)).Int64(), quota["quotaBytes"])

	rec = doRequest(t, s, "GET", "/admin/usernames", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var usernames []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usernames))
	assert.Equal(t, []string{"bob"}, usernames)

	rec = doRequest(t, s, "GET", "/admin/allowed?username=bob", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var allowed map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &allowed))
	assert.True(t, allowed["allowed"])

	rec = doRequest(t, s, "GET", "/admin/payments?username=bob", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var payments []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payments))
	require.Len(t, payments, 1)
	assert.Equal(t, float64(500), payments[0]["amountCents"])
	assert.Equal(t, true, payments[0]["succeeded"])
}

func TestQuotaRequestRejections(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, "POST", "/admin/quota-request", `not json`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, "POST", "/admin/quota-request", `{"quotaBytes":5}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, "POST", "/admin/quota-request",
		`{"username":"bob","quotaBytes":-5}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 7 GiB is not an allowed level.
	rec = doRequest(t, s, "POST", "/admin/quota-request",
		`{"username":"bob","quotaBytes":7516192768}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeclinedQuotaRequestReportsOutcome(t *testing.T) {
	s, _, bank := newTestServer(t)
	bank.FailNext(1, "Card Rejected!")

	rec := doRequest(t, s, "POST", "/admin/quota-request",
		`{"username":"bob","quotaBytes":5368709120}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, "declined", outcome["outcome"])

	rec = doRequest(t, s, "GET", "/admin/payment-properties?username=bob", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var props map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &props))
	assert.Equal(t, "Card Rejected!", props["lastError"])
	assert.Equal(t, "https://billing.example.com", props["portalUrl"])
	assert.NotContains(t, props, "clientSecret")
}

func TestPaymentProperties(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, "GET", "/admin/payment-properties?username=ghost", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Provision via a quota read, then mint a setup secret.
	rec = doRequest(t, s, "GET", "/admin/quota?username=bob", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, "GET", "/admin/payment-properties?username=bob&newSecret=true", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var props map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &props))
	assert.NotEmpty(t, props["clientSecret"])
}

func TestSettleTrigger(t *testing.T) {
	s, trigger, _ := newTestServer(t)

	rec := doRequest(t, s, "POST", "/admin/settle", "", true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, trigger.calls)
}

func TestMissingUsernameQueries(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, target := range []string{"/admin/allowed", "/admin/quota", "/admin/payment-properties", "/admin/payments"} {
		rec := doRequest(t, s, "GET", target, "", true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "target %s", target)
	}
}
