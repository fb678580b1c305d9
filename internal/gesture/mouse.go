package gesture

import "github.com/gdamore/tcell/v2"

// MouseAdapter translates tcell button-1 press/drag/release events into
// arbiter Begin/Move/End calls so the gesture machinery can run inside
// a terminal UI.
type MouseAdapter struct {
	arb          *Arbiter
	scrollOffset func() float64
	pressed      bool
}

// FromMouse creates an adapter feeding the given arbiter. scrollOffset
// reports the region's scroll position at press time; nil means always
// at the top.
func FromMouse(arb *Arbiter, scrollOffset func() float64) *MouseAdapter {
	if scrollOffset == nil {
		scrollOffset = func() float64 { return 0 }
	}
	return &MouseAdapter{arb: arb, scrollOffset: scrollOffset}
}

// HandleEvent consumes one tcell mouse event. Returns the final
// classification on release, Undetermined otherwise.
func (m *MouseAdapter) HandleEvent(ev *tcell.EventMouse) Classification {
	x, y := ev.Position()
	fx, fy := float64(x), float64(y)
	down := ev.Buttons()&tcell.Button1 != 0

	switch {
	case down && !m.pressed:
		m.pressed = true
		if err := m.arb.Begin(fx, fy, m.scrollOffset()); err != nil {
			m.pressed = false
		}
	case down && m.pressed:
		m.arb.Move(fx, fy)
	case !down && m.pressed:
		m.pressed = false
		m.arb.Move(fx, fy)
		return m.arb.End()
	}
	return Undetermined
}
