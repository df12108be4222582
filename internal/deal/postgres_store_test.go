//go:build integration

package deal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nvoskov/garant/internal/testutil"
)

func setupDealStore(t *testing.T) *PostgresStore {
	t.Helper()

	db := testutil.OpenTestDB(t)
	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return store
}

func seedDeal(t *testing.T, store *PostgresStore, id string, state State) *Deal {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Microsecond)
	d := &Deal{
		ID:            id,
		Title:         "Bicycle",
		Description:   "Barely used",
		Price:         "100.000000",
		Commission:    "5.000000",
		SellerAccount: "acc_seller",
		State:         state,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Create(context.Background(), d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

func TestPostgresDealStore_CreateAndGet(t *testing.T) {
	store := setupDealStore(t)
	ctx := context.Background()

	seedDeal(t, store, "deal_pg_1", StateListed)

	got, err := store.Get(ctx, "deal_pg_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Price != "100.000000" || got.Commission != "5.000000" {
		t.Errorf("amounts = %s/%s, want 100.000000/5.000000", got.Price, got.Commission)
	}
	if got.State != StateListed || got.BuyerAccount != "" {
		t.Errorf("got state=%s buyer=%q", got.State, got.BuyerAccount)
	}

	if _, err := store.Get(ctx, "deal_missing"); !errors.Is(err, ErrDealNotFound) {
		t.Errorf("missing: err = %v, want ErrDealNotFound", err)
	}
}

func TestPostgresDealStore_UpdateStateCAS(t *testing.T) {
	store := setupDealStore(t)
	ctx := context.Background()

	seedDeal(t, store, "deal_pg_cas", StateListed)

	if err := store.UpdateState(ctx, "deal_pg_cas", StateFunded, StateFulfilling, StateChange{}); !errors.Is(err, ErrStaleState) {
		t.Errorf("wrong expected: err = %v, want ErrStaleState", err)
	}
	if err := store.UpdateState(ctx, "deal_missing", StateListed, StateFunded, StateChange{}); !errors.Is(err, ErrDealNotFound) {
		t.Errorf("missing: err = %v, want ErrDealNotFound", err)
	}

	if err := store.UpdateState(ctx, "deal_pg_cas", StateListed, StateFunded, StateChange{SetBuyer: "acc_buyer"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.UpdateState(ctx, "deal_pg_cas", StateFunded, StateFunded, StateChange{SetBuyer: "acc_other"}); !errors.Is(err, ErrStaleState) {
		t.Errorf("second buyer: err = %v, want ErrStaleState", err)
	}

	if err := store.UpdateState(ctx, "deal_pg_cas", StateFunded, StateListed, StateChange{ClearBuyer: true}); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	got, _ := store.Get(ctx, "deal_pg_cas")
	if got.BuyerAccount != "" || got.State != StateListed {
		t.Errorf("after unwind: state=%s buyer=%q", got.State, got.BuyerAccount)
	}
}

func TestPostgresDealStore_ConcurrentClaims(t *testing.T) {
	store := setupDealStore(t)
	ctx := context.Background()

	seedDeal(t, store, "deal_pg_race", StateListed)

	const claimers = 8
	var wg sync.WaitGroup
	errs := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		buyer := "acc_racer_" + string(rune('a'+i))
		go func() {
			defer wg.Done()
			errs <- store.UpdateState(ctx, "deal_pg_race", StateListed, StateFunded, StateChange{SetBuyer: buyer})
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrStaleState) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestPostgresDealStore_DisputeFieldsPersist(t *testing.T) {
	store := setupDealStore(t)
	ctx := context.Background()

	seedDeal(t, store, "deal_pg_dispute", StateFulfilling)

	if err := store.UpdateState(ctx, "deal_pg_dispute", StateFulfilling, StateDisputed, StateChange{DisputeReason: "damaged on arrival"}); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := store.UpdateState(ctx, "deal_pg_dispute", StateDisputed, StateResolvedBuyer, StateChange{Resolution: "resolved_for_buyer"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := store.Get(ctx, "deal_pg_dispute")
	if got.DisputeReason != "damaged on arrival" || got.Resolution != "resolved_for_buyer" {
		t.Errorf("got reason=%q resolution=%q", got.DisputeReason, got.Resolution)
	}
}

func TestPostgresDealStore_Lists(t *testing.T) {
	store := setupDealStore(t)
	ctx := context.Background()

	seedDeal(t, store, "deal_pg_l1", StateListed)
	d2 := seedDeal(t, store, "deal_pg_l2", StateListed)
	if err := store.UpdateState(ctx, d2.ID, StateListed, StateFunded, StateChange{SetBuyer: "acc_buyer"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	listed, err := store.ListByState(ctx, StateListed, 50)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "deal_pg_l1" {
		t.Errorf("listed = %+v", listed)
	}

	bySeller, err := store.ListBySeller(ctx, "acc_seller", 50)
	if err != nil {
		t.Fatalf("ListBySeller: %v", err)
	}
	if len(bySeller) != 2 {
		t.Errorf("bySeller = %d deals, want 2", len(bySeller))
	}

	byBuyer, err := store.ListByBuyer(ctx, "acc_buyer", 50)
	if err != nil {
		t.Fatalf("ListByBuyer: %v", err)
	}
	if len(byBuyer) != 1 || byBuyer[0].ID != d2.ID {
		t.Errorf("byBuyer = %+v", byBuyer)
	}
}

func TestPostgresDealStore_MessageThread(t *testing.T) {
	store := setupDealStore(t)
	ctx := context.Background()

	seedDeal(t, store, "deal_pg_msg", StateListed)

	base := time.Now().UTC().Truncate(time.Microsecond)
	msgs := []*Message{
		{ID: "msg_1", DealID: "deal_pg_msg", Body: "deal listed by acc_seller at 100.000000", IsSystem: true, CreatedAt: base},
		{ID: "msg_2", DealID: "deal_pg_msg", AuthorID: "acc_buyer", Body: "is the frame aluminium?", CreatedAt: base.Add(time.Second)},
		{ID: "msg_3", DealID: "deal_pg_msg", AuthorID: "acc_seller", Body: "yes, 54cm", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, m := range msgs {
		if err := store.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage %s: %v", m.ID, err)
		}
	}

	if err := store.AppendMessage(ctx, &Message{ID: "msg_x", DealID: "deal_missing", Body: "hi", CreatedAt: base}); !errors.Is(err, ErrDealNotFound) {
		t.Errorf("orphan message: err = %v, want ErrDealNotFound", err)
	}

	thread, err := store.ListMessages(ctx, "deal_pg_msg")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(thread) != 3 {
		t.Fatalf("thread = %d messages, want 3", len(thread))
	}
	if !thread[0].IsSystem || thread[1].AuthorID != "acc_buyer" || thread[2].AuthorID != "acc_seller" {
		t.Errorf("order wrong: %+v", thread)
	}
}
