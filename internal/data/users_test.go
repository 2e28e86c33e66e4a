package data

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PaulBabatuyi/swipepay/internal/db"
)

func setupDB(t *testing.T) *db.Client {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	ctx := context.Background()
	c, err := db.New(ctx, uri, "swipepay_data_test", 5*time.Second)
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}

	// ensure clean collections in case previous runs left data
	for _, name := range []string{db.UsersCollection, db.BlocksCollection, db.SwipesCollection,
		db.MatchesCollection, db.ConversationsCollection, db.MessagesCollection, db.PaymentsCollection} {
		_ = c.Collection(name).Drop(ctx)
	}
	if err := c.CreateIndexes(ctx); err != nil {
		t.Fatalf("CreateIndexes failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestUsersEnsureAndVerify(t *testing.T) {
	c := setupDB(t)
	users := NewUsersStore(c)
	ctx := context.Background()

	wallet := "wallet-" + uuid.NewString()
	id, err := users.EnsureUser(ctx, wallet)
	if err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	again, err := users.EnsureUser(ctx, wallet)
	if err != nil || again != id {
		t.Fatalf("EnsureUser not idempotent: %q vs %q (%v)", id, again, err)
	}

	ok, err := users.IsVerified(ctx, id)
	if err != nil || ok {
		t.Fatalf("new user should not be verified: ok=%v err=%v", ok, err)
	}
	if err := users.MarkVerified(ctx, id, "SIG1", time.Now()); err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	if ok, _ := users.IsVerified(ctx, id); !ok {
		t.Fatal("user should be verified")
	}
	if used, _ := users.VerificationSignatureUsed(ctx, "SIG1"); !used {
		t.Fatal("signature should be marked used")
	}

	other, _ := users.EnsureUser(ctx, "wallet-"+uuid.NewString())
	if err := users.MarkVerified(ctx, other, "SIG1", time.Now()); !errors.Is(err, ErrDuplicateSignature) {
		t.Fatalf("expected ErrDuplicateSignature, got %v", err)
	}
	if _, err := users.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUsersBlocksAndCandidates(t *testing.T) {
	c := setupDB(t)
	users := NewUsersStore(c)
	ctx := context.Background()

	a, _ := users.EnsureUser(ctx, "wallet-a")
	b, _ := users.EnsureUser(ctx, "wallet-b")
	d, _ := users.EnsureUser(ctx, "wallet-d")

	if err := users.InsertBlock(ctx, &Block{Blocker: b, Blocked: a, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertBlock failed: %v", err)
	}
	if err := users.InsertBlock(ctx, &Block{Blocker: b, Blocked: a, CreatedAt: time.Now()}); !errors.Is(err, ErrBlockExists) {
		t.Fatalf("expected ErrBlockExists, got %v", err)
	}
	if blocked, _ := users.IsBlocked(ctx, a, b); !blocked {
		t.Fatal("block should apply in both directions")
	}
	ids, err := users.BlockedUserIDs(ctx, a)
	if err != nil || len(ids) != 1 || ids[0] != b {
		t.Fatalf("BlockedUserIDs = %v (%v)", ids, err)
	}

	cands, err := users.ListCandidates(ctx, []string{a, b}, 10)
	if err != nil {
		t.Fatalf("ListCandidates failed: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != d {
		t.Fatalf("unexpected candidates: %+v", cands)
	}
}
