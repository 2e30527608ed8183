package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhentan/cosigner/internal/auth"
	"github.com/zhentan/cosigner/internal/relay"
	"github.com/zhentan/cosigner/internal/txqueue"
	"github.com/zhentan/cosigner/internal/validation"
)

const (
	opsKey   = "ops-secret"
	groupKey = "group-secret"
	otherKey = "other-secret"
)

func setupRouter(t *testing.T, h *harness) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ring, err := auth.ParseKeys("ops:" + opsKey + ",wallet:" + groupKey + ":" + group +
		",stranger:" + otherKey + ":0x1111111111111111111111111111111111111111")
	require.NoError(t, err)

	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(ring), auth.RequireAuth())
	NewHandler(h.ctrl, h.queue).RegisterRoutes(v1)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func (h *harness) requestBody(id, recipient, amount string) map[string]any {
	ownerAddr := crypto.PubkeyToAddress(h.owner.PublicKey).Hex()
	return map[string]any{
		"id":                id,
		"signerGroup":       group,
		"recipient":         recipient,
		"amount":            amount,
		"asset":             "USDC",
		"proposedBy":        ownerAddr,
		"proposerSignature": hexutil.Encode([]byte{0xde, 0xad}),
		"requiredSigners":   []string{ownerAddr, h.agent.Address().Hex()},
		"threshold":         2,
		"unsignedOperation": map[string]string{"sender": group, "callData": "0x"},
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_ProposeAndGet(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(t, h)

	w := do(t, r, http.MethodPost, "/v1/transactions", groupKey, h.requestBody("tx-h1", newPayee, "100"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "in_review", body["action"])

	w = do(t, r, http.MethodGet, "/v1/transactions/tx-h1", groupKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	tx := decode(t, w)["transaction"].(map[string]any)
	assert.Equal(t, "in_review", tx["status"])
	assert.Equal(t, "manual", tx["origin"])

	// other groups cannot see it
	w = do(t, r, http.MethodGet, "/v1/transactions/tx-h1", otherKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ProposeValidation(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(t, h)

	body := h.requestBody("tx-bad", "", "-5")
	w := do(t, r, http.MethodPost, "/v1/transactions", opsKey, body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", decode(t, w)["error"])
}

func TestHandler_ProposeRejectsUnusableID(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(t, h)

	for name, id := range map[string]string{
		"too long":  strings.Repeat("x", validation.MaxIDLength+1),
		"backtick":  "tx`h5",
		"separator": "tx:h5",
	} {
		w := do(t, r, http.MethodPost, "/v1/transactions", opsKey, h.requestBody(id, newPayee, "100"))
		require.Equal(t, http.StatusBadRequest, w.Code, name)
		body := decode(t, w)
		assert.Equal(t, "validation_failed", body["error"], name)
		assert.Contains(t, body["message"], "id", name)

		_, err := h.queue.Get(context.Background(), id)
		assert.ErrorIs(t, err, txqueue.ErrNotFound, name)
	}
	assert.Empty(t, h.reviewer.presented)
}

func TestHandler_ProposeWrongGroup(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(t, h)

	w := do(t, r, http.MethodPost, "/v1/transactions", otherKey, h.requestBody("tx-h2", newPayee, "100"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_Unauthenticated(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(t, h)

	w := do(t, r, http.MethodPost, "/v1/transactions", "", h.requestBody("tx-h3", newPayee, "100"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_RelayFailureThenExecute(t *testing.T) {
	h := newHarness(t)
	h.seed(t, regular, 10, 50)
	h.relay.awaitErr = relay.ErrTimeout
	r := setupRouter(t, h)

	w := do(t, r, http.MethodPost, "/v1/transactions", groupKey, h.requestBody("tx-h4", regular, "60"))
	require.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "relay_failed", body["error"])
	assert.Contains(t, body["message"], "tx-h4")
	assert.NotContains(t, body["message"], "timed out waiting")
	assert.Equal(t, "pending", body["transaction"].(map[string]any)["status"])

	h.relay.awaitErr = nil
	w = do(t, r, http.MethodPost, "/v1/transactions/tx-h4/execute", groupKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "executed", decode(t, w)["action"])

	w = do(t, r, http.MethodPost, "/v1/transactions/tx-h4/execute", groupKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "already_executed", body["status"])
	assert.Equal(t, txHash, body["hash"])
}

func TestHandler_PairingRequest(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(t, h)
	ownerAddr := crypto.PubkeyToAddress(h.owner.PublicKey).Hex()

	w := do(t, r, http.MethodPost, "/v1/pairing/requests", groupKey, map[string]any{
		"id":                "tx-pair",
		"signerGroup":       group,
		"to":                newPayee,
		"value":             "12.5",
		"payload":           map[string]string{"sender": group, "callData": "0xa9059cbb"},
		"proposedBy":        ownerAddr,
		"proposerSignature": "0x0102",
		"requiredSigners":   []string{ownerAddr, h.agent.Address().Hex()},
		"threshold":         2,
		"requester":         map[string]string{"name": "Swap dapp", "url": "https://swap.example"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	got, err := h.queue.Get(t.Context(), "tx-pair")
	require.NoError(t, err)
	assert.Equal(t, "external_request", string(got.Origin))
	require.NotNil(t, got.Requester)
	assert.Equal(t, "Swap dapp", got.Requester.Name)
	assert.JSONEq(t, `{"sender":"`+group+`","callData":"0xa9059cbb"}`, string(got.UnsignedOperation))
}

func TestHandler_GroupRoutes(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(t, h)
	w := do(t, r, http.MethodPost, "/v1/transactions", groupKey, h.requestBody("tx-h5", newPayee, "100"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, r, http.MethodGet, "/v1/groups/"+group+"/transactions?limit=10", groupKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]any)
	assert.Len(t, items, 1)

	w = do(t, r, http.MethodGet, "/v1/groups/"+group+"/transactions?cursor=garbage", groupKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPut, "/v1/groups/"+group+"/settings", groupKey, map[string]bool{"screeningEnabled": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/v1/groups/"+group+"/status", groupKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	assert.Equal(t, false, st["settings"].(map[string]any)["screeningEnabled"])
	assert.Len(t, st["recentDecisions"].([]any), 1)

	w = do(t, r, http.MethodGet, "/v1/groups/"+group+"/status", otherKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodGet, "/v1/groups/not-an-address/status", opsKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Analyze(t *testing.T) {
	h := newHarness(t)
	r := setupRouter(t, h)

	w := do(t, r, http.MethodGet, "/v1/risk/analyze?recipient="+newPayee+"&amount=100", opsKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	a := decode(t, w)["analysis"].(map[string]any)
	result := a["result"].(map[string]any)
	assert.Equal(t, float64(40), result["score"])
	assert.Equal(t, "REVIEW", result["verdict"])
}
