package failover

import (
	"testing"
	"time"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/classify"
)

func TestCooldownExpiresAfterWindow(t *testing.T) {
	p := New(Config{CooldownMs: 1000, MaxFailuresBeforeBlock: 1})
	now := time.Unix(0, 0)
	p.SetClock(func() time.Time { return now })

	p.RecordFailure("b1", "fp1", classify.Classification{Type: classify.TypeTransient, BlockBackend: classify.BlockTemporary})
	if !p.ShouldSkip("b1", "fp1") {
		t.Fatal("expected backend to be skipped right after recording a failure")
	}

	now = now.Add(999 * time.Millisecond)
	if !p.ShouldSkip("b1", "fp1") {
		t.Fatal("expected backend still blocked just before cooldown elapses")
	}

	now = now.Add(2 * time.Millisecond)
	if p.ShouldSkip("b1", "fp1") {
		t.Fatal("expected backend unblocked after cooldown elapses")
	}
}

func TestPermanentBlockSurvivesTime(t *testing.T) {
	p := New(Config{CooldownMs: 10, MaxFailuresBeforeBlock: 1})
	now := time.Unix(0, 0)
	p.SetClock(func() time.Time { return now })

	p.RecordFailure("b1", "fp1", classify.Classification{BlockBackend: classify.BlockPermanent})
	now = now.Add(24 * time.Hour)
	if !p.ShouldSkip("b1", "fp1") {
		t.Fatal("expected permanent block to persist")
	}

	p.ResetForFingerprint("fp1")
	if p.ShouldSkip("b1", "fp1") {
		t.Fatal("expected reset to clear the permanent block")
	}
}

func TestRecordSuccessClearsEntry(t *testing.T) {
	p := New(Config{CooldownMs: 60000, MaxFailuresBeforeBlock: 1})
	p.RecordFailure("b1", "fp1", classify.Classification{BlockBackend: classify.BlockTemporary})
	p.RecordSuccess("b1", "fp1")
	if p.ShouldSkip("b1", "fp1") {
		t.Fatal("expected success to erase the blocked state")
	}
}

func TestDifferentBackendsAreIndependent(t *testing.T) {
	p := New(Config{CooldownMs: 60000, MaxFailuresBeforeBlock: 1})
	p.RecordFailure("b1", "fp1", classify.Classification{BlockBackend: classify.BlockPermanent})
	if p.ShouldSkip("b2", "fp1") {
		t.Fatal("a block on b1 must not affect b2")
	}
}

func TestUnblockHookFiresOnLazyClear(t *testing.T) {
	p := New(Config{CooldownMs: 1000, MaxFailuresBeforeBlock: 1})
	now := time.Unix(0, 0)
	p.SetClock(func() time.Time { return now })

	var got []string
	p.SetUnblockHook(func(backendID, fingerprint string) {
		got = append(got, backendID+"/"+fingerprint)
	})

	p.RecordFailure("b1", "fp1", classify.Classification{BlockBackend: classify.BlockTemporary})
	now = now.Add(time.Second)
	if p.ShouldSkip("b1", "fp1") {
		t.Fatal("expected backend unblocked after cooldown elapses")
	}
	if len(got) != 1 || got[0] != "b1/fp1" {
		t.Fatalf("expected unblock hook to fire once for b1/fp1, got %v", got)
	}
}

func TestUnblockHookFiresOnResetForFingerprint(t *testing.T) {
	p := New(Config{CooldownMs: 60000, MaxFailuresBeforeBlock: 1})

	var got []string
	p.SetUnblockHook(func(backendID, fingerprint string) {
		got = append(got, backendID+"/"+fingerprint)
	})

	p.RecordFailure("b1", "fp1", classify.Classification{BlockBackend: classify.BlockPermanent})
	p.RecordFailure("b2", "fp1", classify.Classification{BlockBackend: classify.BlockPermanent})
	p.ResetForFingerprint("fp1")

	if len(got) != 2 {
		t.Fatalf("expected unblock hook to fire once per cleared backend, got %v", got)
	}
}

func TestUnblockHookDoesNotFireOnRecordSuccess(t *testing.T) {
	p := New(Config{CooldownMs: 60000, MaxFailuresBeforeBlock: 1})

	fired := false
	p.SetUnblockHook(func(backendID, fingerprint string) { fired = true })

	p.RecordFailure("b1", "fp1", classify.Classification{BlockBackend: classify.BlockTemporary})
	p.RecordSuccess("b1", "fp1")

	if fired {
		t.Fatal("RecordSuccess must not trigger the unblock hook")
	}
}

func TestNextExpiryIgnoresPermanentEntries(t *testing.T) {
	p := New(Config{CooldownMs: 5000, MaxFailuresBeforeBlock: 1})
	now := time.Unix(100, 0)
	p.SetClock(func() time.Time { return now })
	p.RecordFailure("b1", "fp1", classify.Classification{BlockBackend: classify.BlockPermanent})
	if _, ok := p.NextExpiry(); ok {
		t.Fatal("a permanent-only policy should report no finite next expiry")
	}
	p.RecordFailure("b2", "fp1", classify.Classification{BlockBackend: classify.BlockTemporary})
	ts, ok := p.NextExpiry()
	if !ok || !ts.Equal(now.Add(5*time.Second)) {
		t.Fatalf("expected next expiry at +5s, got %v ok=%v", ts, ok)
	}
}
