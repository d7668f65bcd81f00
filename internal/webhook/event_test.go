package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/consumables/internal/models"
)

func decodeEvent(t *testing.T, raw string) RevenueCatEvent {
	t.Helper()
	var ev RevenueCatEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

func TestParsePurchaseEvent_NonRenewingPurchase(t *testing.T) {
	ev := decodeEvent(t, `{
		"api_version": "1.0",
		"event": {
			"type": "NON_RENEWING_PURCHASE",
			"app_user_id": "user-1",
			"product_id": "credits_10",
			"price_in_purchased_currency": 4.99,
			"currency": "USD",
			"store": "APP_STORE",
			"transaction_id": "txn-1",
			"purchased_at_ms": 1700000000000
		}
	}`)

	got, ok := ParsePurchaseEvent(ev)
	require.True(t, ok)
	assert.Equal(t, NormalizedPurchase{
		UserID:        "user-1",
		TransactionID: "txn-1",
		ProductID:     "credits_10",
		PriceCents:    499,
		Currency:      "USD",
		Source:        models.SourceApple,
	}, got)
}

func TestParsePurchaseEvent_InitialPurchase(t *testing.T) {
	ev := RevenueCatEvent{Event: RevenueCatInner{Type: EventInitialPurchase, AppUserID: "u", Store: "PLAY_STORE", TransactionID: "t"}}

	got, ok := ParsePurchaseEvent(ev)
	require.True(t, ok)
	assert.Equal(t, models.SourceGoogle, got.Source)
	assert.Equal(t, 0, got.PriceCents, "missing price defaults to 0")
	assert.Equal(t, "", got.Currency, "missing currency defaults to empty")
}

func TestParsePurchaseEvent_IgnoredTypes(t *testing.T) {
	for _, typ := range []string{"RENEWAL", "CANCELLATION", "EXPIRATION", "TEST", ""} {
		_, ok := ParsePurchaseEvent(RevenueCatEvent{Event: RevenueCatInner{Type: typ, AppUserID: "u"}})
		assert.False(t, ok, "type %q should be ignored", typ)
	}
}

func TestSourceForStore(t *testing.T) {
	cases := map[string]models.Source{
		"STRIPE":     models.SourceWeb,
		"APP_STORE":  models.SourceApple,
		"PLAY_STORE": models.SourceGoogle,
		"AMAZON":     models.Source("AMAZON"),
		"":           models.Source(""),
	}
	for store, want := range cases {
		assert.Equal(t, want, SourceForStore(store), "store %q", store)
	}
}

func TestPriceToCents(t *testing.T) {
	cases := []struct {
		price float64
		want  int
	}{
		{4.995, 500},
		{4.99, 499},
		{0.1, 10},
		{0.005, 1},
		{0.004, 0},
		{19.999, 2000},
		{1.005, 101},
		{0, 0},
		{100, 10000},
		{-4.995, -499},
		{-4.996, -500},
		{-0.005, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PriceToCents(tc.price), "price %v", tc.price)
	}
}
