package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/consumables/internal/handlers"
	"github.com/inaiurai/consumables/internal/repository/sqlite"
	"github.com/inaiurai/consumables/internal/services"
	"github.com/inaiurai/consumables/internal/webhook"
)

const testSecret = "whsec_test"

func newTestServer(t *testing.T, freeCredits int) *httptest.Server {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	validator, err := services.NewValidator()
	require.NoError(t, err)

	svc := services.NewConsumablesService(store, store, freeCredits, nil)
	srv := httptest.NewServer(New(Deps{
		Consumables: &handlers.ConsumablesHandler{Service: svc, Validator: validator},
		Webhooks: &handlers.WebhookHandler{
			Service:   svc,
			Products:  map[string]int{"credits_10": 10},
			Validator: validator,
		},
		WebhookSecret: testSecret,
		Health:        handlers.Health(store),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header map[string]string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestRouter_BalanceLifecycle(t *testing.T) {
	srv := newTestServer(t, 1)
	base := srv.URL + "/api/v1/users/user-1/consumables"

	code, body := do(t, http.MethodGet, base+"/balance", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["balance"])
	assert.Equal(t, float64(1), body["initial_credits"])

	code, body = do(t, http.MethodPost, base+"/usages", `{"filename":"a.pdf"}`, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(0), body["balance"])

	code, body = do(t, http.MethodPost, base+"/usages", "", nil)
	require.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, false, body["success"])

	code, body = do(t, http.MethodPost, base+"/purchases", `{"credits":25,"source":"web"}`, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(25), body["balance"])

	code, body = do(t, http.MethodGet, base+"/purchases?limit=1", "", nil)
	require.Equal(t, http.StatusOK, code)
	purchases := body["purchases"].([]interface{})
	require.Len(t, purchases, 1)
	assert.Equal(t, float64(25), purchases[0].(map[string]interface{})["credits"], "latest purchase first")

	code, body = do(t, http.MethodGet, base+"/usages", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["usages"].([]interface{}), 1)
}

func TestRouter_Webhook(t *testing.T) {
	srv := newTestServer(t, 0)
	url := srv.URL + "/api/v1/webhooks/revenuecat"
	event := `{"event":{"type":"NON_RENEWING_PURCHASE","app_user_id":"user-9","product_id":"credits_10","price_in_purchased_currency":4.99,"currency":"USD","store":"PLAY_STORE","transaction_id":"txn-9"}}`
	signed := map[string]string{webhook.SignatureHeader: webhook.Sign([]byte(event), testSecret)}

	code, _ := do(t, http.MethodPost, url, event, map[string]string{webhook.SignatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := do(t, http.MethodPost, url, event, signed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, handlers.StatusProcessed, body["status"])
	assert.Equal(t, float64(10), body["balance"])

	code, body = do(t, http.MethodPost, url, event, signed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, handlers.StatusAlreadyProcessed, body["status"])
	assert.Equal(t, float64(10), body["balance"])

	code, body = do(t, http.MethodGet, srv.URL+"/api/v1/users/user-9/consumables/purchases", "", nil)
	require.Equal(t, http.StatusOK, code)
	purchases := body["purchases"].([]interface{})
	require.Len(t, purchases, 1)
	p := purchases[0].(map[string]interface{})
	assert.Equal(t, "google", p["source"])
	assert.Equal(t, "txn-9", p["transaction_ref_id"])
	assert.Equal(t, float64(499), p["price_cents"])
}

func TestRouter_WebhookConcurrentRedeliveries(t *testing.T) {
	srv := newTestServer(t, 0)
	url := srv.URL + "/api/v1/webhooks/revenuecat"
	event := `{"event":{"type":"INITIAL_PURCHASE","app_user_id":"user-7","product_id":"credits_10","store":"STRIPE","transaction_id":"txn-7"}}`
	signed := map[string]string{webhook.SignatureHeader: webhook.Sign([]byte(event), testSecret)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _ := do(t, http.MethodPost, url, event, signed)
			assert.Equal(t, http.StatusOK, code)
		}()
	}
	wg.Wait()

	code, body := do(t, http.MethodGet, srv.URL+"/api/v1/users/user-7/consumables/balance", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(10), body["balance"])
}

func TestRouter_WebhookWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(New(Deps{
		Consumables: &handlers.ConsumablesHandler{},
		Webhooks:    &handlers.WebhookHandler{},
	}))
	defer srv.Close()

	code, _ := do(t, http.MethodPost, srv.URL+"/api/v1/webhooks/revenuecat", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRouter_Health(t *testing.T) {
	srv := newTestServer(t, 0)
	code, body := do(t, http.MethodGet, srv.URL+"/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}
