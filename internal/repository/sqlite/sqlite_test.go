package sqlite

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/consumables/internal/models"
	"github.com/inaiurai/consumables/internal/repository"
	"github.com/inaiurai/consumables/internal/services"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func strP(s string) *string { return &s }
func intP(i int) *int       { return &i }

func TestGetOrCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b, created, err := store.GetOrCreate(ctx, "user-1", 3)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 3, b.Balance)
	assert.Equal(t, 3, b.InitialCredits)
	assert.False(t, b.CreatedAt.IsZero())

	again, created, err := store.GetOrCreate(ctx, "user-1", 99)
	require.NoError(t, err)
	assert.False(t, created, "second call must not insert")
	assert.Equal(t, 3, again.Balance, "existing row is returned unchanged")
	assert.Equal(t, 3, again.InitialCredits)
}

func TestGetOrCreate_ConcurrentFirstAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const callers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inserts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, created, err := store.GetOrCreate(ctx, "user-1", 5)
			assert.NoError(t, err)
			if err != nil {
				return
			}
			assert.Equal(t, 5, b.Balance, "losers see the winner's row")
			if created {
				mu.Lock()
				inserts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserts, "exactly one caller creates the row")
	var rows int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM consumable_balances WHERE user_id = ?`, "user-1").Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestIncrement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Increment(ctx, "ghost", 5)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, _, err = store.GetOrCreate(ctx, "user-1", 3)
	require.NoError(t, err)

	got, err := store.Increment(ctx, "user-1", 25)
	require.NoError(t, err)
	assert.Equal(t, 28, got)
}

func TestIncrement_CannotGoNegative(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, err := store.GetOrCreate(ctx, "user-1", 2)
	require.NoError(t, err)

	_, err = store.Increment(ctx, "user-1", -5)
	require.Error(t, err, "CHECK (balance >= 0) must reject the update")

	b, _, err := store.GetOrCreate(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Balance)
}

func TestGuardedDecrement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GuardedDecrement(ctx, "ghost", 1)
	require.NoError(t, err)
	assert.False(t, ok, "absent user is refused")

	_, _, err = store.GetOrCreate(ctx, "user-1", 1)
	require.NoError(t, err)

	got, ok, err := store.GuardedDecrement(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, got)

	_, ok, err = store.GuardedDecrement(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.False(t, ok, "insufficient balance is refused")
}

func TestGuardedDecrement_Concurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, err := store.GetOrCreate(ctx, "user-1", 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.GuardedDecrement(ctx, "user-1", 1)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, successes)
	b, _, err := store.GetOrCreate(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Balance)
}

func TestAppendPurchase_DuplicateTransactionRef(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &models.Purchase{
		UserID:           "user-1",
		Credits:          10,
		Source:           models.SourceApple,
		TransactionRefID: strP("txn-1"),
		ProductID:        strP("credits_10"),
		PriceCents:       intP(499),
		Currency:         strP("USD"),
	}
	require.NoError(t, store.AppendPurchase(ctx, first))
	assert.NotZero(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	dup := &models.Purchase{UserID: "user-1", Credits: 10, Source: models.SourceApple, TransactionRefID: strP("txn-1")}
	assert.ErrorIs(t, store.AppendPurchase(ctx, dup), repository.ErrDuplicateTransaction)

	// NULL references never collide.
	require.NoError(t, store.AppendPurchase(ctx, &models.Purchase{UserID: "user-1", Credits: 1, Source: models.SourceWeb}))
	require.NoError(t, store.AppendPurchase(ctx, &models.Purchase{UserID: "user-1", Credits: 1, Source: models.SourceWeb}))

	found, err := store.FindPurchaseByTransactionRef(ctx, "txn-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, models.SourceApple, found.Source)
	require.NotNil(t, found.PriceCents)
	assert.Equal(t, 499, *found.PriceCents)
	require.NotNil(t, found.Currency)
	assert.Equal(t, "USD", *found.Currency)

	missing, err := store.FindPurchaseByTransactionRef(ctx, "txn-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListPurchases_OrderAndPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.AppendPurchase(ctx, &models.Purchase{UserID: "user-1", Credits: i, Source: models.SourceWeb}))
	}
	require.NoError(t, store.AppendPurchase(ctx, &models.Purchase{UserID: "user-2", Credits: 100, Source: models.SourceWeb}))

	all, err := store.ListPurchases(ctx, "user-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, p := range all {
		assert.Equal(t, 5-i, p.Credits, "most recent first")
		assert.Nil(t, p.TransactionRefID)
		assert.Nil(t, p.PriceCents)
	}

	page, err := store.ListPurchases(ctx, "user-1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 4, page[0].Credits)
	assert.Equal(t, 3, page[1].Credits)

	empty, err := store.ListPurchases(ctx, "nobody", 50, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestListUsages_OrderAndPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.AppendUsage(ctx, &models.Usage{UserID: "user-1", Filename: strP(fmt.Sprintf("f%d", i))}))
	}
	require.NoError(t, store.AppendUsage(ctx, &models.Usage{UserID: "user-1"}))

	all, err := store.ListUsages(ctx, "user-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Nil(t, all[0].Filename, "latest usage had no filename")
	require.NotNil(t, all[4].Filename)
	assert.Equal(t, "f0", *all[4].Filename)

	page, err := store.ListUsages(ctx, "user-1", 2, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "f1", *page[0].Filename)
	assert.Equal(t, "f0", *page[1].Filename)
}

// ---------------------------------------------------------------------------
// Service over SQLite
// ---------------------------------------------------------------------------

func TestService_WebhookDedupOverSQLite(t *testing.T) {
	store := newTestStore(t)
	svc := services.NewConsumablesService(store, store, 0, nil)
	ctx := context.Background()

	first, err := svc.RecordPurchaseFromWebhook(ctx, "user-1", "txn-1", 10, models.SourceApple, "credits_10", 499, "USD")
	require.NoError(t, err)
	assert.False(t, first.AlreadyProcessed)
	assert.Equal(t, 10, first.Balance)

	second, err := svc.RecordPurchaseFromWebhook(ctx, "user-1", "txn-1", 10, models.SourceApple, "credits_10", 499, "USD")
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, 10, second.Balance)

	purchases, err := svc.GetPurchaseHistory(ctx, "user-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, purchases, 1)
}

func TestService_UsageLifecycleOverSQLite(t *testing.T) {
	store := newTestStore(t)
	svc := services.NewConsumablesService(store, store, 1, nil)
	ctx := context.Background()

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, services.BalanceResponse{Balance: 1, InitialCredits: 1}, bal)

	grants, err := svc.GetPurchaseHistory(ctx, "user-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, models.SourceFree, grants[0].Source)

	used, err := svc.RecordUsage(ctx, "user-1", strP("doc.pdf"))
	require.NoError(t, err)
	assert.Equal(t, services.UseResponse{Balance: 0, Success: true}, used)

	refused, err := svc.RecordUsage(ctx, "user-1", strP("doc2.pdf"))
	require.NoError(t, err)
	assert.Equal(t, services.UseResponse{Balance: 0, Success: false}, refused)

	usages, err := svc.GetUsageHistory(ctx, "user-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, "doc.pdf", *usages[0].Filename)
}

func TestService_ConcurrentFirstAccessGrantsOnce(t *testing.T) {
	store := newTestStore(t)
	svc := services.NewConsumablesService(store, store, 5, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bal, err := svc.GetBalance(ctx, "user-1")
			assert.NoError(t, err)
			assert.Equal(t, 5, bal.Balance)
		}()
	}
	wg.Wait()

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, services.BalanceResponse{Balance: 5, InitialCredits: 5}, bal)

	purchases, err := svc.GetPurchaseHistory(ctx, "user-1", 200, 0)
	require.NoError(t, err)
	free := 0
	for _, p := range purchases {
		if p.Source == models.SourceFree {
			free++
		}
	}
	assert.Equal(t, 1, free, "only the creating caller records the free grant")
}
