package webhook

import (
	"github.com/shopspring/decimal"

	"github.com/inaiurai/consumables/internal/models"
)

// Event types that grant consumable credits. Everything else is ignored.
const (
	EventNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	EventInitialPurchase     = "INITIAL_PURCHASE"
)

// RevenueCatEvent is the webhook delivery envelope.
type RevenueCatEvent struct {
	APIVersion string          `json:"api_version"`
	Event      RevenueCatInner `json:"event"`
}

type RevenueCatInner struct {
	Type                     string   `json:"type"`
	AppUserID                string   `json:"app_user_id"`
	ProductID                string   `json:"product_id"`
	PriceInPurchasedCurrency *float64 `json:"price_in_purchased_currency"`
	Currency                 *string  `json:"currency"`
	Store                    string   `json:"store"`
	TransactionID            string   `json:"transaction_id"`
	PurchasedAtMs            *int64   `json:"purchased_at_ms"`
}

// NormalizedPurchase is a purchase event reduced to what the balance service needs.
type NormalizedPurchase struct {
	UserID        string
	TransactionID string
	ProductID     string
	PriceCents    int
	Currency      string
	Source        models.Source
}

var storeToSource = map[string]models.Source{
	"STRIPE":     models.SourceWeb,
	"APP_STORE":  models.SourceApple,
	"PLAY_STORE": models.SourceGoogle,
}

// SourceForStore maps a store name to a purchase source. Unknown stores pass
// through unchanged.
func SourceForStore(store string) models.Source {
	if s, ok := storeToSource[store]; ok {
		return s
	}
	return models.Source(store)
}

// ParsePurchaseEvent extracts a purchase from ev. ok is false for event types
// that do not grant credits. A missing price becomes 0 cents and a missing
// currency becomes "".
func ParsePurchaseEvent(ev RevenueCatEvent) (NormalizedPurchase, bool) {
	e := ev.Event
	if e.Type != EventNonRenewingPurchase && e.Type != EventInitialPurchase {
		return NormalizedPurchase{}, false
	}
	p := NormalizedPurchase{
		UserID:        e.AppUserID,
		TransactionID: e.TransactionID,
		ProductID:     e.ProductID,
		Source:        SourceForStore(e.Store),
	}
	if e.PriceInPurchasedCurrency != nil {
		p.PriceCents = PriceToCents(*e.PriceInPurchasedCurrency)
	}
	if e.Currency != nil {
		p.Currency = *e.Currency
	}
	return p, true
}

// PriceToCents converts a major-unit price to cents, rounding half up
// (towards positive infinity), so -4.995 becomes -499.
func PriceToCents(price float64) int {
	cents := decimal.NewFromFloat(price).Shift(2).Add(halfCent).Floor()
	return int(cents.IntPart())
}

var halfCent = decimal.New(5, -1)
