package realtime

import (
	"testing"
	"time"
)

func TestPrincipalLimiter_SessionsShareBudget(t *testing.T) {
	t.Parallel()

	l := NewPrincipalLimiter(3, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	tabA, releaseA := l.Attach("brand-1")
	tabB, releaseB := l.Attach("brand-1")
	defer releaseA()
	defer releaseB()

	if tabA != tabB {
		t.Fatalf("sessions of one user got separate limiters")
	}
	if !tabA.AllowN(now, 1) || !tabB.AllowN(now, 1) || !tabA.AllowN(now, 1) {
		t.Fatalf("events within the burst denied")
	}
	if tabB.AllowN(now, 1) {
		t.Fatalf("a second session extended the budget")
	}

	other, releaseOther := l.Attach("creator-1")
	defer releaseOther()
	if !other.AllowN(now, 1) {
		t.Fatalf("another user was charged for brand-1's events")
	}
}

func TestPrincipalLimiter_Refills(t *testing.T) {
	t.Parallel()

	l := NewPrincipalLimiter(2, time.Second)
	now := time.Unix(1_700_000_000, 0)

	lim, release := l.Attach("brand-1")
	defer release()

	_ = lim.AllowN(now, 1)
	_ = lim.AllowN(now, 1)
	if lim.AllowN(now.Add(100*time.Millisecond), 1) {
		t.Fatalf("event allowed before a token refilled")
	}
	if !lim.AllowN(now.Add(600*time.Millisecond), 1) {
		t.Fatalf("event denied after a token refilled")
	}
}

func TestPrincipalLimiter_ReleaseDropsIdleUsers(t *testing.T) {
	t.Parallel()

	l := NewPrincipalLimiter(1, time.Hour)
	now := time.Unix(1_700_000_000, 0)

	lim, release := l.Attach("brand-1")
	_, releaseSecond := l.Attach("brand-1")
	_ = lim.AllowN(now, 1)

	release()
	release()
	if l.tracked() != 1 {
		t.Fatalf("bucket dropped while a session is still attached")
	}
	releaseSecond()
	if l.tracked() != 0 {
		t.Fatalf("idle bucket kept: %d", l.tracked())
	}

	fresh, releaseFresh := l.Attach("brand-1")
	defer releaseFresh()
	if !fresh.AllowN(now, 1) {
		t.Fatalf("reconnect after all sessions closed should start a fresh budget")
	}
}

func TestNewPrincipalLimiter_Defaults(t *testing.T) {
	t.Parallel()

	l := NewPrincipalLimiter(0, 0)
	def := DefaultGatewayConfig()
	if l.burst != def.RateEvents {
		t.Fatalf("burst=%d want %d", l.burst, def.RateEvents)
	}
}
