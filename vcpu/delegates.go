package vcpu

import (
	"github.com/bobuhiro11/govcpu/kvm"
	"github.com/bobuhiro11/govcpu/metrics"
)

// Delegates is the dispatch table of one vCPU: for every exit class an
// append-only list of delegates, run in registration order.
//
// A table belongs to a single vCPU and is used only from that vCPU's
// goroutine, so it carries no lock.
type Delegates struct {
	table  map[kvm.ExitType][]Delegate
	closed bool
}

// Add appends d to the list of class. Duplicates are kept.
func (t *Delegates) Add(class kvm.ExitType, d Delegate) error {
	if d == nil {
		return ErrNilDelegate
	}

	if t.closed {
		return ErrClosed
	}

	if t.table == nil {
		t.table = make(map[kvm.ExitType][]Delegate)
	}

	t.table[class] = append(t.table[class], d)

	return nil
}

// Dispatch runs the delegates of ctx.Exit() once each, in registration
// order, and returns how many ran. A delegate that resets the table stops
// the remaining ones.
func (t *Delegates) Dispatch(ctx EventContext) int {
	if t.closed {
		return 0
	}

	class := ctx.Exit()
	ran := 0

	for _, d := range t.table[class] {
		if t.closed {
			break
		}

		d(ctx)
		ran++
	}

	if ran > 0 {
		metrics.DelegateInvocationsTotal.WithLabelValues(class.String()).Add(float64(ran))
	}

	return ran
}

// Len returns the number of delegates registered for class.
func (t *Delegates) Len(class kvm.ExitType) int {
	return len(t.table[class])
}

// Reset drops every registration. The table refuses new ones afterwards.
func (t *Delegates) Reset() {
	t.table = nil
	t.closed = true
}
