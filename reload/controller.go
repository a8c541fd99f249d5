// Package reload implements the single-slot reload controller (component
// C5, spec section 4.6): one active Context, at most one staged update (an
// image buffer or a partition label, built into a Context only inside
// Reload), and a cooperative "safe-point" swap that only takes effect when
// the host calls Reload. Grounded on the teacher's
// HotReloadManager (hotreload_unix.go): activePages/oldPages plus a
// grace-period cleanup goroutine, generalized from "one page per hot
// function, freed after a timer" into "one staged module, freed on an
// explicit safe-point call" — a hot-reload MCU target cannot assume the
// previous module's stack frames have unwound on a timer, so the swap is
// host-driven instead of time-driven.
package reload

import (
	"io"

	"github.com/xyproto/hotreload/elfimage"
	"github.com/xyproto/hotreload/internal/errs"
	"github.com/xyproto/hotreload/loader"
	"github.com/xyproto/hotreload/memport"
)

// bufferReadFunc adapts an in-memory byte slice to elfimage.ReadFunc.
func bufferReadFunc(data []byte) elfimage.ReadFunc {
	return func(_ any, offset uint32, n uint32, dst []byte) uint32 {
		if int(offset) > len(data) {
			return 0
		}
		return uint32(copy(dst, data[offset:]))
	}
}

// Partition abstracts the flash/partition-table storage a target loads a
// module image from (spec section 4.6); a production port resolves label
// against the partition table, a test double can serve an in-memory image.
type Partition interface {
	Map(label string) (data []byte, handle io.Closer, err error)
}

// Controller owns the active module plus at most one staged update. It is
// an explicit value a host constructs once at startup, not a package-level
// singleton (design note: a global hot-reload manager makes every loader
// test fight over shared state; an explicit Controller does not).
type Controller struct {
	cfg       loader.Config
	partition Partition

	active *loader.Context

	pendingLabel  string
	pendingBuffer []byte
	pendingReady  bool

	hostNames []string
	hostSlots []uintptr
}

// New builds a Controller bound to one memory port/relocation engine pair
// and one partition source.
func New(cfg loader.Config, partition Partition) *Controller {
	return &Controller{cfg: cfg, partition: partition}
}

// BindHostSymbols records the host's exported symbol table, applied to
// every Context this Controller creates from here on.
func (ctl *Controller) BindHostSymbols(names []string, slots []uintptr) {
	ctl.hostNames = names
	ctl.hostSlots = slots
}

func (ctl *Controller) newContext() *loader.Context {
	c := loader.New(ctl.cfg)
	c.BindHostSymbols(ctl.hostNames, ctl.hostSlots)
	return c
}

// populateHostSymbols resolves every bound host name against the just-loaded
// module's own exported symbols, writing each one's address into the
// matching slot (spec section 3/4.5): the opposite direction from the lookup
// BindHostSymbols feeds into resolveSymbol, this is how a host's own
// trampolines learn where to call into the freshly loaded module. A name the
// module doesn't define gets slot 0 and a warning rather than failing the
// load outright.
func (ctl *Controller) populateHostSymbols(c *loader.Context) {
	for i, name := range ctl.hostNames {
		addr, err := c.GetSymbol(name)
		if err != nil {
			ctl.hostSlots[i] = 0
			c.Warnings().Warnf("host symbol %q not found in loaded module: %v", name, err)
			continue
		}
		ctl.hostSlots[i] = addr
	}
}

func externalRAMAdapter(port memport.Port) func(uint32, memport.HeapCaps) (*memport.Region, memport.Ctx, error) {
	if eh, ok := port.(interface {
		AllocExternalRAM(uint32, memport.HeapCaps) (*memport.Region, memport.Ctx, error)
	}); ok {
		return eh.AllocExternalRAM
	}
	return nil
}

// Load reads label from the bound partition source and runs the full
// loader pipeline synchronously, becoming the active module immediately.
// Used at boot, when there is no previous module to keep serving requests.
func (ctl *Controller) Load(label string) error {
	data, handle, err := ctl.partition.Map(label)
	if err != nil {
		return errs.Wrap(errs.KindIO, "reload.Load", "mapping partition "+label, err)
	}
	defer handle.Close()
	return ctl.LoadFromBuffer(data)
}

// LoadFromBuffer is Load's buffer-based form, used by tests and by the
// transport package's upload handler to apply the first upload when no
// module is active yet.
func (ctl *Controller) LoadFromBuffer(data []byte) error {
	read := bufferReadFunc(data)

	c := ctl.newContext()
	if err := loader.Pipeline(c, read, uint32(len(data)), externalRAMAdapter(ctl.cfg.Port)); err != nil {
		_ = c.Cleanup()
		return err
	}
	ctl.populateHostSymbols(c)
	if ctl.active != nil {
		_ = ctl.active.Cleanup()
	}
	ctl.active = c
	return nil
}

// UpdatePartition stages label for a future Reload without disturbing the
// currently active module (spec section 4.6, "update-pending flag"): used
// when the new image already lives in a flash partition the host knows
// about. The host calls Reload later at a point it knows is safe (no
// in-flight calls into the old module).
func (ctl *Controller) UpdatePartition(label string) {
	ctl.pendingLabel = label
	ctl.pendingBuffer = nil
	ctl.pendingReady = true
}

// StageBuffer stages an in-memory image for a future Reload, the path the
// transport package's upload handler uses once a verified image lands over
// the network rather than through the partition table.
func (ctl *Controller) StageBuffer(data []byte) {
	ctl.pendingBuffer = data
	ctl.pendingLabel = ""
	ctl.pendingReady = true
}

// UpdateAvailable reports whether a staged update is waiting for a Reload
// call.
func (ctl *Controller) UpdateAvailable() bool { return ctl.pendingReady }

// Reload builds the staged update's Context fully (so any ELF/allocation
// error surfaces before the active module is touched), then swaps it in and
// releases the previous module. It does nothing and returns nil if no
// update is pending.
func (ctl *Controller) Reload() error {
	if !ctl.pendingReady {
		return nil
	}

	data := ctl.pendingBuffer
	if data == nil {
		mapped, handle, err := ctl.partition.Map(ctl.pendingLabel)
		if err != nil {
			return errs.Wrap(errs.KindIO, "reload.Reload", "mapping pending partition", err)
		}
		defer handle.Close()
		data = mapped
	}

	read := bufferReadFunc(data)

	c := ctl.newContext()
	if err := loader.Pipeline(c, read, uint32(len(data)), externalRAMAdapter(ctl.cfg.Port)); err != nil {
		_ = c.Cleanup()
		return err
	}

	ctl.populateHostSymbols(c)
	previous := ctl.active
	ctl.active = c
	ctl.pendingReady = false
	ctl.pendingLabel = ""
	ctl.pendingBuffer = nil
	if previous != nil {
		return previous.Cleanup()
	}
	return nil
}

// Unload releases the active module without loading a replacement, leaving
// the Controller with no active module.
func (ctl *Controller) Unload() error {
	if ctl.active == nil {
		return nil
	}
	err := ctl.active.Cleanup()
	ctl.active = nil
	return err
}

// Active returns the currently active module's Context, or nil if none is
// loaded.
func (ctl *Controller) Active() *loader.Context { return ctl.active }
