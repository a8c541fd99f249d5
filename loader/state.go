// Package loader implements the loader state machine and pipeline
// (component C4, spec section 4.4): validating an ELF32 image, planning its
// memory layout, allocating memory from a memport.Port, copying segments
// in, applying relocations through a reloc.Engine, and exposing resolved
// symbol addresses to the host. Grounded on the teacher's
// CompilationPipeline (compilation_pipeline.go): an explicit forward-only
// stage machine that rejects an invalid transition instead of silently
// proceeding, generalized from a compiler's nine compile stages to a
// loader's seven load stages, and returning *errs.Error instead of
// printing to stderr and continuing.
package loader

import (
	"github.com/xyproto/hotreload/internal/errs"
)

// State is one stage of the loader's forward-only state machine (spec
// section 4.4).
type State int

const (
	StateEmpty State = iota
	StateOpened
	StatePlanned
	StateAllocated
	StateLoaded
	StateRelocated
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateOpened:
		return "opened"
	case StatePlanned:
		return "planned"
	case StateAllocated:
		return "allocated"
	case StateLoaded:
		return "loaded"
	case StateRelocated:
		return "relocated"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// validNext holds the single state each state may advance to; the machine
// never branches and never goes back (spec section 4.4).
var validNext = map[State]State{
	StateEmpty:     StateOpened,
	StateOpened:    StatePlanned,
	StatePlanned:   StateAllocated,
	StateAllocated: StateLoaded,
	StateLoaded:    StateRelocated,
	StateRelocated: StateReady,
}

// advance moves to next if it is the one valid successor of cur, otherwise
// returns a KindInvalidState error naming both states (spec section 4.4,
// "forward-only transitions").
func advance(cur *State, op string, next State) error {
	want, ok := validNext[*cur]
	if !ok || want != next {
		return errs.New(errs.KindInvalidState, op, "invalid state transition from "+cur.String()+" to "+next.String())
	}
	*cur = next
	return nil
}

// require returns a KindInvalidState error if cur is not want.
func require(cur State, op string, want State) error {
	if cur != want {
		return errs.New(errs.KindInvalidState, op, "requires state "+want.String()+", have "+cur.String())
	}
	return nil
}
