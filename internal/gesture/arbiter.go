package gesture

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
)

// Fixed gesture thresholds. The refresh threshold is configurable per
// arbiter; these are part of the gesture's feel and are not.
const (
	defaultLongPressDelay = 500 * time.Millisecond
	moveSlopPx            = 10.0
	pullSlopPx            = 5.0
	resistanceFactor      = 0.5
	maxPullOffsetPx       = 80.0
	clickSuppressWindow   = 100 * time.Millisecond
)

// Classification is the outcome of a gesture sequence. A sequence is
// classified at most once; the first classification is final.
type Classification string

const (
	Undetermined Classification = "undetermined"
	Tap          Classification = "tap"
	LongPress    Classification = "long_press"
	Pull         Classification = "pull"
	Moved        Classification = "moved"
)

const (
	triggerTap       = "tap"
	triggerLongPress = "long_press"
	triggerPull      = "pull"
	triggerMoved     = "moved"
)

// Callbacks are invoked by the arbiter when gestures resolve. All
// callbacks run with the arbiter lock held; they must not call back in.
type Callbacks struct {
	// OnLongPress fires when the press timer elapses without movement.
	OnLongPress func(x, y float64)
	// OnPullOffset reports the resistance-adjusted pull offset, including
	// the final 0 when the pull releases or cancels.
	OnPullOffset func(px float64)
	// OnRefresh fires when a pull releases at or beyond the threshold.
	OnRefresh func()
}

// Config tunes an arbiter.
type Config struct {
	// RefreshThresholdPx is the minimum final pull offset that triggers a
	// refresh. Zero means the default of 60px.
	RefreshThresholdPx float64
	// LongPressDelay overrides the 500ms press timer, used by tests.
	LongPressDelay time.Duration
}

// sequence is the state of one active pointer interaction.
type sequence struct {
	machine      *stateless.StateMachine
	startX       float64
	startY       float64
	lastX        float64
	lastY        float64
	maxMovement  float64
	pullEligible bool
	offset       float64
	timer        *time.Timer
}

// Arbiter classifies pointer sequences for one scrollable region into
// tap, long-press, pull or plain movement. Exactly one sequence can be
// active; a second Begin before End or Cancel is an error.
type Arbiter struct {
	mu sync.Mutex

	refreshThreshold float64
	longPressDelay   time.Duration
	cb               Callbacks

	seq           *sequence
	suppressUntil time.Time
}

// NewArbiter creates an arbiter with the given callbacks. Nil callbacks
// are allowed and skipped.
func NewArbiter(cfg Config, cb Callbacks) *Arbiter {
	threshold := cfg.RefreshThresholdPx
	if threshold <= 0 {
		threshold = 60
	}
	delay := cfg.LongPressDelay
	if delay <= 0 {
		delay = defaultLongPressDelay
	}
	return &Arbiter{
		refreshThreshold: threshold,
		longPressDelay:   delay,
		cb:               cb,
	}
}

// newSequenceMachine builds the classification machine. Every
// classifying trigger is permitted only from Undetermined, so whichever
// fires first wins and later attempts error out and are ignored.
func newSequenceMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(Undetermined)
	sm.Configure(Undetermined).
		Permit(triggerTap, Tap).
		Permit(triggerLongPress, LongPress).
		Permit(triggerPull, Pull).
		Permit(triggerMoved, Moved)
	sm.Configure(Tap)
	sm.Configure(LongPress)
	sm.Configure(Pull)
	sm.Configure(Moved)
	return sm
}

// Begin starts a pointer sequence at the given position. scrollOffset
// is the region's current scroll position: pull is eligible only when
// it is exactly 0.
func (a *Arbiter) Begin(x, y, scrollOffset float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seq != nil {
		return fmt.Errorf("gesture sequence already active")
	}
	seq := &sequence{
		machine:      newSequenceMachine(),
		startX:       x,
		startY:       y,
		lastX:        x,
		lastY:        y,
		pullEligible: scrollOffset == 0,
	}
	seq.timer = time.AfterFunc(a.longPressDelay, func() { a.longPressElapsed(seq) })
	a.seq = seq
	return nil
}

// Move feeds a pointer position update. Updates after End or Cancel are
// ignored.
func (a *Arbiter) Move(x, y float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.seq
	if seq == nil {
		return
	}
	seq.lastX, seq.lastY = x, y
	dx := x - seq.startX
	dy := y - seq.startY
	movement := math.Hypot(dx, dy)
	if movement > seq.maxMovement {
		seq.maxMovement = movement
	}

	if a.classification(seq) == Undetermined {
		switch {
		case seq.pullEligible && dy > pullSlopPx && dy > math.Abs(dx):
			// Downward-dominant drag at scroll top: this is a pull. The
			// press timer is dead from here on.
			seq.timer.Stop()
			_ = seq.machine.Fire(triggerPull)
		case movement > moveSlopPx:
			seq.timer.Stop()
			_ = seq.machine.Fire(triggerMoved)
		}
	}

	if a.classification(seq) == Pull {
		seq.offset = math.Min(dy*resistanceFactor, maxPullOffsetPx)
		if seq.offset < 0 {
			seq.offset = 0
		}
		if a.cb.OnPullOffset != nil {
			a.cb.OnPullOffset(seq.offset)
		}
	}
}

// End finishes the active sequence and returns its final
// classification. A sequence still undetermined at release is a tap. A
// pull at or beyond the threshold fires the refresh callback; a shorter
// pull only animates back. Either way the offset returns to 0 and
// clicks are suppressed for a short window.
func (a *Arbiter) End() Classification {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.seq
	if seq == nil {
		return Undetermined
	}
	seq.timer.Stop()
	a.seq = nil

	if a.classification(seq) == Undetermined {
		_ = seq.machine.Fire(triggerTap)
	}
	result := a.classification(seq)
	if result == Pull {
		if seq.offset >= a.refreshThreshold && a.cb.OnRefresh != nil {
			a.cb.OnRefresh()
		}
		if a.cb.OnPullOffset != nil {
			a.cb.OnPullOffset(0)
		}
		a.suppressUntil = time.Now().Add(clickSuppressWindow)
	}
	return result
}

// Cancel aborts the active sequence with no side effects beyond
// resetting the pull offset.
func (a *Arbiter) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.seq
	if seq == nil {
		return
	}
	seq.timer.Stop()
	a.seq = nil

	if a.classification(seq) == Pull && a.cb.OnPullOffset != nil {
		a.cb.OnPullOffset(0)
	}
}

// Active reports whether a sequence is in flight.
func (a *Arbiter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq != nil
}

// ClickSuppressed reports whether synthesized clicks should currently
// be ignored. True for a short window after a pull releases.
func (a *Arbiter) ClickSuppressed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Now().Before(a.suppressUntil)
}

// longPressElapsed runs when the press timer fires. The sequence must
// still be active, unclassified and within the movement slop.
func (a *Arbiter) longPressElapsed(seq *sequence) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seq != seq {
		return
	}
	if a.classification(seq) != Undetermined || seq.maxMovement > moveSlopPx {
		return
	}
	if err := seq.machine.Fire(triggerLongPress); err != nil {
		return
	}
	if a.cb.OnLongPress != nil {
		a.cb.OnLongPress(seq.lastX, seq.lastY)
	}
}

func (a *Arbiter) classification(seq *sequence) Classification {
	return seq.machine.MustState().(Classification)
}
