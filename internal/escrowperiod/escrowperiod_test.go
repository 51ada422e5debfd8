package escrowperiod

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/terms"
)

var (
	operatorAddr = common.HexToAddress("0x10")
	arbiterAddr  = common.HexToAddress("0x30")
	strangerAddr = common.HexToAddress("0x40")
)

const period = 7 * 24 * time.Hour

func overlayTerms(now time.Time) terms.Terms {
	return terms.Terms{
		Operator:            operatorAddr,
		Payer:               common.HexToAddress("0x11"),
		Receiver:            common.HexToAddress("0x12"),
		Token:               common.HexToAddress("0x13"),
		MaxAmount:           big.NewInt(1000),
		PreApprovalExpiry:   now.Add(time.Hour).Unix(),
		AuthorizationExpiry: now.Add(30 * 24 * time.Hour).Unix(),
		RefundExpiry:        now.Add(60 * 24 * time.Hour).Unix(),
	}
}

// newOverlay builds an overlay over a memory store and memory ledger
// with a controllable clock, and authorizes the payment through the
// ledger + recorder so the freeze window is open.
func newOverlay(t *testing.T, clock *time.Time) (*Overlay, *ledger.Memory, terms.Terms) {
	t.Helper()
	lc := ledger.NewMemory().WithClock(func() time.Time { return *clock })
	ov := New(NewMemoryStore(), lc, ReceiverOrArbiterPolicy{Arbiter: arbiterAddr}, period, slog.Default()).
		WithClock(func() time.Time { return *clock })
	p := overlayTerms(*clock)
	return ov, lc, p
}

func authorize(t *testing.T, ov *Overlay, lc *ledger.Memory, p terms.Terms) {
	t.Helper()
	ctx := context.Background()
	if err := lc.Hold(ctx, p, big.NewInt(100)); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := ov.AuthorizeRecorder().Record(ctx, p, big.NewInt(100), operatorAddr); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestRecorderRejectsNonOperator(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	ov, lc, p := newOverlay(t, &clock)
	ctx := context.Background()

	if err := lc.Hold(ctx, p, big.NewInt(100)); err != nil {
		t.Fatalf("hold: %v", err)
	}
	err := ov.AuthorizeRecorder().Record(ctx, p, big.NewInt(100), strangerAddr)
	if !errors.Is(err, ErrNotOwningOperator) {
		t.Fatalf("stranger record: got %v, want ErrNotOwningOperator", err)
	}
}

func TestRecorderRequiresLedgerExistence(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	ov, _, p := newOverlay(t, &clock)

	// Caller claims to be the operator but no hold exists in the ledger.
	err := ov.AuthorizeRecorder().Record(context.Background(), p, big.NewInt(100), operatorAddr)
	if !errors.Is(err, ErrNotOwningOperator) {
		t.Fatalf("record without hold: got %v, want ErrNotOwningOperator", err)
	}
}

func TestRecorderIsWriteOnce(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	ov, lc, p := newOverlay(t, &clock)
	authorize(t, ov, lc, p)

	err := ov.AuthorizeRecorder().Record(context.Background(), p, big.NewInt(100), operatorAddr)
	if !errors.Is(err, ErrAlreadyAuthorized) {
		t.Fatalf("second record: got %v, want ErrAlreadyAuthorized", err)
	}
}

func TestFreezeWindowBoundary(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := start
	ov, lc, p := newOverlay(t, &clock)
	ctx := context.Background()

	// Before authorization there is no freeze window.
	if err := ov.Freeze(ctx, p, p.Receiver); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("freeze before auth: got %v", err)
	}

	authorize(t, ov, lc, p)

	// One second before the boundary: freeze still allowed.
	clock = start.Add(period - time.Second)
	if err := ov.Freeze(ctx, p, p.Receiver); err != nil {
		t.Fatalf("freeze inside window: %v", err)
	}
	if err := ov.Unfreeze(ctx, p, p.Receiver); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}

	// At the exact boundary: freeze rejects, release condition allows.
	// This is the documented ordering race.
	clock = start.Add(period)
	if err := ov.Freeze(ctx, p, p.Receiver); !errors.Is(err, ErrPeriodExpired) {
		t.Fatalf("freeze at boundary: got %v, want ErrPeriodExpired", err)
	}
	if !ov.ReleaseCondition().Check(p, big.NewInt(100), operatorAddr) {
		t.Fatal("release condition must allow at the boundary")
	}
}

func TestFreezeBlocksReleaseUntilUnfrozen(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := start
	ov, lc, p := newOverlay(t, &clock)
	ctx := context.Background()
	authorize(t, ov, lc, p)

	// Freeze at t0+6d23h59m, then try to release at t0+7d.
	clock = start.Add(period - time.Minute)
	if err := ov.Freeze(ctx, p, arbiterAddr); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	clock = start.Add(period)
	if ov.ReleaseCondition().Check(p, big.NewInt(100), operatorAddr) {
		t.Fatal("release must be blocked while frozen")
	}

	if err := ov.Unfreeze(ctx, p, arbiterAddr); err != nil {
		t.Fatalf("unfreeze after period: %v", err)
	}
	if !ov.ReleaseCondition().Check(p, big.NewInt(100), operatorAddr) {
		t.Fatal("release must pass after unfreeze")
	}
}

func TestTimedFreezeExpiresOnItsOwn(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := start
	lc := ledger.NewMemory().WithClock(func() time.Time { return clock })
	timedPolicy := timedFreezePolicy{d: time.Hour}
	ov := New(NewMemoryStore(), lc, timedPolicy, period, slog.Default()).
		WithClock(func() time.Time { return clock })
	p := overlayTerms(start)
	authorize(t, ov, lc, p)

	if err := ov.Freeze(context.Background(), p, p.Receiver); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	frozen, _ := ov.Frozen(context.Background(), p.Identity())
	if !frozen {
		t.Fatal("should be frozen")
	}
	clock = start.Add(time.Hour)
	frozen, _ = ov.Frozen(context.Background(), p.Identity())
	if frozen {
		t.Fatal("timed freeze must lapse at its deadline")
	}
}

// timedFreezePolicy authorizes the receiver for a bounded duration.
type timedFreezePolicy struct{ d time.Duration }

func (pol timedFreezePolicy) CanFreeze(p terms.Terms, caller common.Address) (bool, time.Duration) {
	return caller == p.Receiver, pol.d
}
func (pol timedFreezePolicy) CanUnfreeze(p terms.Terms, caller common.Address) bool {
	return caller == p.Receiver
}

func TestFreezeStateErrors(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := start
	ov, lc, p := newOverlay(t, &clock)
	ctx := context.Background()
	authorize(t, ov, lc, p)

	if err := ov.Freeze(ctx, p, strangerAddr); !errors.Is(err, ErrFreezeDenied) {
		t.Fatalf("stranger freeze: got %v", err)
	}
	if err := ov.Unfreeze(ctx, p, p.Receiver); !errors.Is(err, ErrNotFrozen) {
		t.Fatalf("unfreeze unfrozen: got %v", err)
	}
	if err := ov.Freeze(ctx, p, p.Receiver); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := ov.Freeze(ctx, p, p.Receiver); !errors.Is(err, ErrAlreadyFrozen) {
		t.Fatalf("double freeze: got %v", err)
	}
	if err := ov.Unfreeze(ctx, p, strangerAddr); !errors.Is(err, ErrUnfreezeDenied) {
		t.Fatalf("stranger unfreeze: got %v", err)
	}
}

func TestStateView(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := start
	ov, lc, p := newOverlay(t, &clock)
	ctx := context.Background()
	id := p.Identity()

	v, err := ov.State(ctx, id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if v.AuthorizationTime != 0 || v.PeriodElapsed || v.Frozen {
		t.Fatalf("fresh payment view: %+v", v)
	}

	authorize(t, ov, lc, p)
	if err := ov.Freeze(ctx, p, p.Receiver); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	v, _ = ov.State(ctx, id)
	if v.AuthorizationTime != start.Unix() || !v.Frozen || v.FrozenUntil != -1 {
		t.Fatalf("frozen view: %+v", v)
	}
}
