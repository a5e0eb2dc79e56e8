package allocregion

import (
	"fmt"

	"github.com/orizon-lang/regionalloc/internal/cli"
	"github.com/orizon-lang/regionalloc/internal/region"
)

func (a *AllocRegion) trace(event string) {
	a.traceAlloc(event, 0, 0, 0, 0)
}

// traceAlloc logs a state transition at debug level. Calls that carry a
// size or a result are detailed tracing and only appear at trace level.
func (a *AllocRegion) traceAlloc(event string, minWords, desiredWords, actualWords uintptr, result region.HeapWord) {
	if !a.log.Enabled(cli.LevelDebug) {
		return
	}
	detailed := a.log.Enabled(cli.LevelTrace)
	if !detailed && (actualWords != 0 || result != 0) {
		return
	}

	var desc string
	switch r := a.active.Load(); {
	case r == nil:
		desc = "null"
	case r == dummyRegion:
		desc = "DUMMY"
	default:
		desc = r.String()
	}
	msg := fmt.Sprintf("%s: %d %s : %s", a.name, a.count.Load(), desc, event)

	if !detailed {
		a.log.Debug("%s", msg)
		return
	}
	if result != 0 {
		msg += fmt.Sprintf(" min %d desired %d actual %d %#x", minWords, desiredWords, actualWords, uintptr(result))
	} else if minWords != 0 {
		msg += fmt.Sprintf(" min %d desired %d", minWords, desiredWords)
	}
	a.log.Trace("%s", msg)
}

// properUnit renders a byte count in the largest unit that keeps it whole
// enough to read, matching the heap's log format.
func properUnit(bytes uint64) string {
	switch {
	case bytes >= 1<<30*10:
		return fmt.Sprintf("%dG", bytes>>30)
	case bytes >= 1<<20*10:
		return fmt.Sprintf("%dM", bytes>>20)
	case bytes >= 1<<10*10:
		return fmt.Sprintf("%dK", bytes>>10)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}

func percentOf(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}
