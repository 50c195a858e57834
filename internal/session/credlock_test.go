package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// --- credential lock tests ---

// TestCredentialLock_Exclusive verifies a claimed credential rejects a
// second claimant and the conflict names the holder.
func TestCredentialLock_Exclusive(t *testing.T) {
	lock := NewCredentialLock()

	if err := lock.Claim("tok-1", "agent-a"); err != nil {
		t.Fatalf("Claim(agent-a) = %v, want nil", err)
	}

	err := lock.Claim("tok-1", "agent-b")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Claim(agent-b) = %v, want *ConflictError", err)
	}
	if conflict.OwnerID != "agent-a" {
		t.Errorf("conflict.OwnerID = %q, want %q", conflict.OwnerID, "agent-a")
	}
	if owner, ok := lock.Owner("tok-1"); !ok || owner != "agent-a" {
		t.Errorf("Owner(tok-1) = %q, %v, want %q, true", owner, ok, "agent-a")
	}
}

// TestCredentialLock_ReclaimIdempotent verifies the holder can claim its
// own credential again without error.
func TestCredentialLock_ReclaimIdempotent(t *testing.T) {
	lock := NewCredentialLock()
	for i := 0; i < 3; i++ {
		if err := lock.Claim("tok-1", "agent-a"); err != nil {
			t.Fatalf("Claim attempt %d = %v, want nil", i+1, err)
		}
	}
}

// TestCredentialLock_Release verifies release ownership checks and that
// a released credential is claimable again.
func TestCredentialLock_Release(t *testing.T) {
	lock := NewCredentialLock()

	if err := lock.Release("tok-1", "agent-a"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Release of unclaimed credential = %v, want ErrNotOwner", err)
	}

	if err := lock.Claim("tok-1", "agent-a"); err != nil {
		t.Fatalf("Claim = %v, want nil", err)
	}
	if err := lock.Release("tok-1", "agent-b"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Release by non-owner = %v, want ErrNotOwner", err)
	}
	if owner, ok := lock.Owner("tok-1"); !ok || owner != "agent-a" {
		t.Errorf("Owner after failed release = %q, %v, want %q, true", owner, ok, "agent-a")
	}

	if err := lock.Release("tok-1", "agent-a"); err != nil {
		t.Fatalf("Release by owner = %v, want nil", err)
	}
	if _, ok := lock.Owner("tok-1"); ok {
		t.Error("Owner reports a holder after release")
	}
	if err := lock.Claim("tok-1", "agent-b"); err != nil {
		t.Errorf("Claim after release = %v, want nil", err)
	}
}

// TestCredentialLock_IndependentCredentials verifies different
// credentials do not contend.
func TestCredentialLock_IndependentCredentials(t *testing.T) {
	lock := NewCredentialLock()
	if err := lock.Claim("tok-1", "agent-a"); err != nil {
		t.Fatalf("Claim(tok-1) = %v, want nil", err)
	}
	if err := lock.Claim("tok-2", "agent-b"); err != nil {
		t.Errorf("Claim(tok-2) = %v, want nil", err)
	}
}

// TestCredentialLock_ConcurrentClaims hammers one credential from many
// goroutines and checks exactly one wins, and that the recorded owner is
// the winner.
func TestCredentialLock_ConcurrentClaims(t *testing.T) {
	lock := NewCredentialLock()
	const claimants = 32

	var wg sync.WaitGroup
	errs := make([]error, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = lock.Claim("tok-1", fmt.Sprintf("agent-%02d", i))
		}(i)
	}
	wg.Wait()

	owner, ok := lock.Owner("tok-1")
	if !ok {
		t.Fatal("no owner after concurrent claims")
	}

	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			if got := fmt.Sprintf("agent-%02d", i); got != owner {
				t.Errorf("claim by %s succeeded but Owner() = %q", got, owner)
			}
			continue
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Errorf("losing claim error = %v, want *ConflictError", err)
		}
	}
	if winners != 1 {
		t.Errorf("winning claims = %d, want 1", winners)
	}
}
