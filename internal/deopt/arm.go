package deopt

import (
	"errors"
	"fmt"

	"github.com/inoxlang/tjit/internal/target"
)

var (
	ErrTrapOutsideOfCode = errors.New("trap site outside of the code")
)

// Arm makes an optimized method deoptimizable by writing the trap instruction of its platform after every
// call and at every safepoint. JIT methods are never deoptimized and are left untouched. Arm returns false
// if the method was not armed by this call.
func Arm(m *target.CompiledMethod) (bool, error) {
	if m.Kind == target.KindJIT {
		return false, nil
	}

	trap := m.Platform.TrapInstruction
	table := m.Stops

	sites := make([]int, 0, table.Len())
	for i := 0; i < table.Len(); i++ {
		site := trapSite(table, i)
		if site < 0 || site+len(trap) > len(m.Code) {
			return false, fmt.Errorf("%w: %s: stop %d at %d", ErrTrapOutsideOfCode, m, i, site)
		}
		sites = append(sites, site)
	}

	if !m.MarkArmed() {
		return false, nil
	}
	for _, site := range sites {
		copy(m.Code[site:], trap)
	}
	return true, nil
}

// Invalidate marks methods as invalidated and arms them, the threads executing them are deoptimized
// when they reach a trap. It returns the number of methods invalidated by this call.
func (d *Deoptimizer) Invalidate(methods ...*target.CompiledMethod) (int, error) {
	count := 0
	for _, m := range methods {
		if m.Kind == target.KindJIT {
			continue
		}
		if m.IsInvalidated() {
			d.logger.Debug().Str("method", m.String()).Msg("ignoring previously invalidated method")
			continue
		}

		if _, err := Arm(m); err != nil {
			return count, err
		}
		m.MarkInvalidated()
		count++
		d.transition(Armed, 0, m)

		if d.config.Trace {
			d.logger.Debug().Str("method", m.String()).Int("traps", m.Stops.Len()).Msg("method invalidated")
		}
	}
	return count, nil
}
