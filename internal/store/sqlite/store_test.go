package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keyvouch/keyvouch/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "coordinator.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deep")
	store, err := Open(filepath.Join(dir, "coordinator.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected parent directory to exist: %v", err)
	}
}

func TestPairingSessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreatePairingSession(ctx, "A@B.Test", "windows", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Email != "a@b.test" {
		t.Fatalf("expected normalized email, got %q", sess.Email)
	}
	if sess.State != domain.PairingPending {
		t.Fatalf("expected pending state, got %s", sess.State)
	}

	if err := store.ConfirmPairingSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetPairingSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.PairingConfirmed {
		t.Fatalf("expected confirmed state, got %s", got.State)
	}

	// A confirmed session cannot be claimed again.
	if err := store.ConfirmPairingSession(ctx, sess.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPairingSessionExpiry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreatePairingSession(ctx, "a@b.test", "windows", -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.GetPairingSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.PairingExpired {
		t.Fatalf("expected expired state, got %s", got.State)
	}
	if err := store.ConfirmPairingSession(ctx, sess.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for expired session, got %v", err)
	}

	n, err := store.PurgeExpiredPairingSessions(ctx, time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one purged session, got %d", n)
	}
}

func TestCreatePairingSessionSupersedesPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreatePairingSession(ctx, "a@b.test", "windows", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreatePairingSession(ctx, "a@b.test", "windows", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetPairingSession(ctx, first.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected first session to be superseded, got %v", err)
	}
}

func TestDeviceSubscriptionSingleBinding(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sub := domain.Subscription{Endpoint: "https://push.example/dev1", Auth: "secret"}

	if err := store.CreateDeviceSubscription(ctx, "a@b.test", sub, 0); err != nil {
		t.Fatal(err)
	}
	err := store.CreateDeviceSubscription(ctx, "a@b.test", domain.Subscription{Endpoint: "https://push.example/dev2"}, 0)
	if !errors.Is(err, domain.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}

	got, err := store.GetDeviceSubscription(ctx, "a@b.test")
	if err != nil {
		t.Fatal(err)
	}
	if got.Subscription.Endpoint != sub.Endpoint {
		t.Fatalf("original binding must survive, got %q", got.Subscription.Endpoint)
	}

	if _, err := store.GetDeviceSubscription(ctx, "other@b.test"); !errors.Is(err, domain.ErrDeviceNotBound) {
		t.Fatalf("expected ErrDeviceNotBound, got %v", err)
	}
}

func TestPurgeUnconfirmedSubscriptions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sub := domain.Subscription{Endpoint: "https://push.example/dev1", Auth: "secret"}

	if err := store.CreateDeviceSubscription(ctx, "stale@b.test", sub, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateDeviceSubscription(ctx, "fresh@b.test", sub, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateChallenge(ctx, "stale@b.test", "windows", domain.ChallengeKindRegistration, time.Minute); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	emails, err := store.PurgeUnconfirmedSubscriptions(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(emails) != 1 || emails[0] != "stale@b.test" {
		t.Fatalf("expected only the stale binding purged, got %v", emails)
	}
	if _, err := store.GetDeviceSubscription(ctx, "stale@b.test"); !errors.Is(err, domain.ErrDeviceNotBound) {
		t.Fatalf("expected stale binding removed, got %v", err)
	}
	if _, err := store.LatestChallenge(ctx, "stale@b.test", domain.ChallengeKindRegistration); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Fatalf("expected registration challenge removed, got %v", err)
	}
	if _, err := store.GetDeviceSubscription(ctx, "fresh@b.test"); err != nil {
		t.Fatalf("fresh binding must survive: %v", err)
	}
}

func TestConfirmDeviceSubscription(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateDeviceSubscription(ctx, "a@b.test", domain.Subscription{Endpoint: "e"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := store.ConfirmDeviceSubscription(ctx, "a@b.test"); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetDeviceSubscription(ctx, "a@b.test")
	if err != nil {
		t.Fatal(err)
	}
	if got.PendingUntil != nil {
		t.Fatalf("expected confirmed binding, still pending until %v", got.PendingUntil)
	}

	emails, err := store.PurgeUnconfirmedSubscriptions(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(emails) != 0 {
		t.Fatalf("confirmed binding must not be purged, got %v", emails)
	}
}

func TestChallengeIDPrefixes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	login, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindRegistration, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if login.ID[:5] != "chlg_" {
		t.Fatalf("login challenge id = %q", login.ID)
	}
	if reg.ID[:4] != "reg_" {
		t.Fatalf("registration challenge id = %q", reg.ID)
	}
}

func TestChallengeConfirmDenyRace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// Fire confirm and deny concurrently; exactly one transition must win.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = store.ConfirmChallenge(ctx, c.ID, "tok-1")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = store.DenyChallenge(ctx, c.ID)
	}()
	wg.Wait()

	got, err := store.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	switch got.Status {
	case domain.ChallengeConfirmed:
		if errs[0] != nil {
			t.Fatalf("confirm won but reported %v", errs[0])
		}
		if !errors.Is(errs[1], domain.ErrChallengeResolved) {
			t.Fatalf("deny lost but reported %v", errs[1])
		}
	case domain.ChallengeDenied:
		if errs[1] != nil {
			t.Fatalf("deny won but reported %v", errs[1])
		}
		if !errors.Is(errs[0], domain.ErrChallengeResolved) {
			t.Fatalf("confirm lost but reported %v", errs[0])
		}
	default:
		t.Fatalf("unexpected terminal status %s", got.Status)
	}
}

func TestDenyAfterConfirmDoesNotRevoke(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ConfirmChallenge(ctx, c.ID, "tok-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := store.DenyChallenge(ctx, c.ID); !errors.Is(err, domain.ErrChallengeResolved) {
		t.Fatalf("deny after confirm must be rejected, got %v", err)
	}

	got, err := store.GetChallenge(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ChallengeConfirmed || got.UnlockToken != "tok-1" {
		t.Fatalf("late deny mutated the confirmed challenge: %+v", got)
	}
	if _, err := store.ConsumeUnlockToken(ctx, "a@b.test", "tok-1"); err != nil {
		t.Fatalf("unlock token must stay redeemable, got %v", err)
	}
}

func TestFailChallengeProof(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// Proof failure only applies to a confirmed challenge.
	if _, err := store.FailChallengeProof(ctx, c.ID); !errors.Is(err, domain.ErrChallengeResolved) {
		t.Fatalf("proof failure from pending must be rejected, got %v", err)
	}

	if _, err := store.ConfirmChallenge(ctx, c.ID, "tok-1"); err != nil {
		t.Fatal(err)
	}
	got, err := store.FailChallengeProof(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ChallengeDenied {
		t.Fatalf("expected denied, got %s", got.Status)
	}
	if _, err := store.ConsumeUnlockToken(ctx, "a@b.test", "tok-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("token of a failed proof must not redeem, got %v", err)
	}

	if _, err := store.FailChallengeProof(ctx, c.ID); !errors.Is(err, domain.ErrChallengeResolved) {
		t.Fatalf("proof failure must not fire twice, got %v", err)
	}
}

func TestDenyAfterResolvedIsRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.DenyChallenge(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ConfirmChallenge(ctx, c.ID, "tok-1"); !errors.Is(err, domain.ErrChallengeResolved) {
		t.Fatalf("expected ErrChallengeResolved, got %v", err)
	}
	if _, err := store.DenyChallenge(ctx, c.ID); !errors.Is(err, domain.ErrChallengeResolved) {
		t.Fatalf("deny must not fire twice, got %v", err)
	}
}

func TestApproveRequiresConfirmed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ApproveChallenge(ctx, c.ID, "user-1", "jwt"); !errors.Is(err, domain.ErrChallengeResolved) {
		t.Fatalf("approve from pending must fail, got %v", err)
	}

	if _, err := store.ConfirmChallenge(ctx, c.ID, "tok-1"); err != nil {
		t.Fatal(err)
	}
	got, err := store.ApproveChallenge(ctx, c.ID, "user-1", "jwt")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ChallengeApproved || got.ProofUserID != "user-1" {
		t.Fatalf("unexpected approved challenge %+v", got)
	}
}

func TestConsumeUnlockTokenSingleUse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ConfirmChallenge(ctx, c.ID, "tok-1"); err != nil {
		t.Fatal(err)
	}

	got, err := store.ConsumeUnlockToken(ctx, "a@b.test", "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != c.ID || got.TokenUsedAt == nil {
		t.Fatalf("unexpected consumed challenge %+v", got)
	}

	if _, err := store.ConsumeUnlockToken(ctx, "a@b.test", "tok-1"); !errors.Is(err, domain.ErrTokenUsed) {
		t.Fatalf("second consume: expected ErrTokenUsed, got %v", err)
	}
	if _, err := store.ConsumeUnlockToken(ctx, "a@b.test", "missing"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("unknown token: expected ErrUnauthorized, got %v", err)
	}
	if _, err := store.ConsumeUnlockToken(ctx, "other@b.test", "tok-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("wrong email: expected ErrUnauthorized, got %v", err)
	}
}

func TestConsumeUnlockTokenConcurrent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ConfirmChallenge(ctx, c.ID, "tok-1"); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.ConsumeUnlockToken(ctx, "a@b.test", "tok-1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", wins)
	}
}

func TestConsumeUnlockTokenRejectsPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	c, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ConfirmChallenge(ctx, c.ID, "tok-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.DenyChallenge(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ConsumeUnlockToken(ctx, "a@b.test", "tok-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("denied challenge token must not redeem, got %v", err)
	}
}

func TestPurgeExpiredChallenges(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, -time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Hour); err != nil {
		t.Fatal(err)
	}

	n, err := store.PurgeExpiredChallenges(ctx, time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one purged challenge, got %d", n)
	}
}

func TestBrowserSessionCheck(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateBrowserSession(ctx, "a@b.test", "hash-1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := store.CheckBrowserSession(ctx, "a@b.test", "hash-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.CheckBrowserSession(ctx, "a@b.test", "hash-2"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := store.CheckBrowserSession(ctx, "other@b.test", "hash-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong email, got %v", err)
	}

	if err := store.CreateBrowserSession(ctx, "a@b.test", "hash-old", -time.Second); err != nil {
		t.Fatal(err)
	}
	if err := store.CheckBrowserSession(ctx, "a@b.test", "hash-old"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected expired session rejected, got %v", err)
	}
	if _, err := store.PurgeExpiredBrowserSessions(ctx, time.Now(), 0); err != nil {
		t.Fatal(err)
	}
}

func TestLatestChallengePrefersConfirmed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := store.CreateChallenge(ctx, "a@b.test", "windows", domain.ChallengeKindLogin, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.LatestChallenge(ctx, "a@b.test", domain.ChallengeKindLogin)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected the newest pending challenge, got %s", got.ID)
	}

	// A browser retry opens a second pending challenge; once the device
	// confirms the first one, the poll must still surface it.
	if _, err := store.ConfirmChallenge(ctx, first.ID, "tok-1"); err != nil {
		t.Fatal(err)
	}
	got, err = store.LatestChallenge(ctx, "a@b.test", domain.ChallengeKindLogin)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID || got.Status != domain.ChallengeConfirmed || got.UnlockToken != "tok-1" {
		t.Fatalf("expected the confirmed challenge to win, got %+v", got)
	}
}
