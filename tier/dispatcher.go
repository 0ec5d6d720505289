package tier

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sarchlab/x86core/emu"
)

// ErrStaleBlock is returned when a block is installed for code that has
// changed since it was compiled.
var ErrStaleBlock = errors.New("compiled block does not match guest code")

// ExecutedTier names the tier that ran a block.
type ExecutedTier uint8

// Tiers.
const (
	TierInterpreter ExecutedTier = iota
	TierCompiled
)

func (t ExecutedTier) String() string {
	if t == TierCompiled {
		return "tier1"
	}
	return "tier0"
}

// StepOutcome describes one dispatched block.
type StepOutcome struct {
	Tier     ExecutedTier
	EntryRIP uint64
	Retired  uint64
	Exit     emu.BatchExit
}

// RunResult summarises RunBlocks.
type RunResult struct {
	Exit         emu.BatchExit
	Blocks       uint64
	InterpBlocks uint64
	JITBlocks    uint64
	Retired      uint64
}

// Stats counts dispatcher events since creation or the last Reset.
type Stats struct {
	InterpBlocks    uint64
	JITBlocks       uint64
	Rollbacks       uint64
	CompileRequests uint64
	Installs        uint64
	Evictions       uint64
	Invalidations   uint64
}

// writeTracker is implemented by physical memories that can tell whether
// anything was stored since a previous check.
type writeTracker interface {
	Generation() uint64
}

// Dispatcher runs a core one basic block at a time, choosing between the
// core's interpreter and installed Tier-1 blocks.
type Dispatcher struct {
	core *emu.Core
	bus  emu.Bus
	code CodeSource
	exec Executor

	cache *BlockCache
	queue *CompileQueue
	abi   *ABI

	hotThreshold  uint64
	batchSize     uint64
	cacheCapacity int
	queueCapacity int

	counts      map[uint64]uint64
	checked     map[uint64]uint64
	forceInterp bool

	stats Stats
	log   logr.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithExecutor sets the Tier-1 executor. Without one every block runs in
// the interpreter; hot entries are still queued.
func WithExecutor(e Executor) Option {
	return func(d *Dispatcher) {
		d.exec = e
	}
}

// WithCodeSource sets the physical memory used to validate compiled blocks
// against guest code.
func WithCodeSource(src CodeSource) Option {
	return func(d *Dispatcher) {
		d.code = src
	}
}

// WithHotThreshold sets the number of executions after which an entry is
// queued for compilation.
func WithHotThreshold(n uint64) Option {
	return func(d *Dispatcher) {
		d.hotThreshold = n
	}
}

// WithBatchSize sets the instruction budget of one interpreted block.
func WithBatchSize(n uint64) Option {
	return func(d *Dispatcher) {
		d.batchSize = n
	}
}

// WithCacheCapacity sets the number of compiled blocks kept.
func WithCacheCapacity(n int) Option {
	return func(d *Dispatcher) {
		d.cacheCapacity = n
	}
}

// WithQueueCapacity bounds the compile queue. Zero means unbounded.
func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) {
		d.queueCapacity = n
	}
}

// WithLogger sets the logger. Tiering events are logged at V(1).
func WithLogger(l logr.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// NewDispatcher creates a dispatcher driving core over bus.
func NewDispatcher(core *emu.Core, bus emu.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		core:          core,
		bus:           bus,
		hotThreshold:  10,
		batchSize:     1024,
		cacheCapacity: 1024,
		counts:        make(map[uint64]uint64),
		checked:       make(map[uint64]uint64),
		log:           logr.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cache = NewBlockCache(d.cacheCapacity)
	d.queue = NewCompileQueue(d.queueCapacity)
	d.abi = NewABI()
	return d
}

// Core returns the driven core.
func (d *Dispatcher) Core() *emu.Core { return d.core }

// Cache returns the compiled-block cache.
func (d *Dispatcher) Cache() *BlockCache { return d.cache }

// Stats returns event counters.
func (d *Dispatcher) Stats() Stats { return d.stats }

// ExecutionCount returns how many blocks have started at rip.
func (d *Dispatcher) ExecutionCount(rip uint64) uint64 { return d.counts[rip] }

// IsCompiled reports whether a block is installed at rip.
func (d *Dispatcher) IsCompiled(rip uint64) bool { return d.cache.Contains(rip) }

// PendingCompiles returns the number of queued compile requests.
func (d *Dispatcher) PendingCompiles() int { return d.queue.Len() }

// DrainCompileRequests removes and returns the queued entry RIPs, oldest
// first.
func (d *Dispatcher) DrainCompileRequests() []uint64 {
	return d.queue.Drain()
}

// Install adds a compiled block and returns the entry RIPs evicted to make
// room. With a code source, the block's code bytes are hashed; if b.Meta.Hash
// is already set and differs, the guest code changed while the block was
// being compiled and ErrStaleBlock is returned.
func (d *Dispatcher) Install(b CompiledBlock) ([]uint64, error) {
	if d.code != nil {
		h := HashCode(d.code, b.Meta.CodePAddr, b.Meta.ByteLen)
		if b.Meta.Hash != (CodeHash{}) && b.Meta.Hash != h {
			d.log.V(1).Info("stale block rejected", "rip", b.EntryRIP)
			return nil, fmt.Errorf("install block at %#x: %w", b.EntryRIP, ErrStaleBlock)
		}
		b.Meta.Hash = h
		d.markChecked(b.EntryRIP)
	}

	d.queue.Cancel(b.EntryRIP)
	evicted := d.cache.Install(b)
	d.stats.Installs++
	d.log.V(1).Info("block installed", "rip", b.EntryRIP, "index", b.TableIndex,
		"insts", b.Meta.InstructionCount)

	for _, rip := range evicted {
		delete(d.checked, rip)
		d.stats.Evictions++
		d.log.V(1).Info("block evicted", "rip", rip)
	}
	return evicted, nil
}

// OnGuestWrite drops every compiled block whose code overlaps the n bytes
// written at paddr and returns their entry RIPs.
func (d *Dispatcher) OnGuestWrite(paddr, n uint64) []uint64 {
	dropped := d.cache.InvalidateRange(paddr, n)
	for _, rip := range dropped {
		d.dropped(rip)
	}
	return dropped
}

// Reset drops all compiled blocks, queued requests and execution counts.
// It returns the entry RIPs of the dropped blocks.
func (d *Dispatcher) Reset() []uint64 {
	dropped := d.cache.Flush()
	d.queue.Clear()
	clear(d.counts)
	clear(d.checked)
	d.forceInterp = false
	d.stats = Stats{}
	return dropped
}

func (d *Dispatcher) dropped(rip uint64) {
	delete(d.checked, rip)
	d.stats.Invalidations++
	d.log.V(1).Info("block invalidated", "rip", rip)
}

func (d *Dispatcher) markChecked(rip uint64) {
	if wt, ok := d.code.(writeTracker); ok {
		d.checked[rip] = wt.Generation()
	}
}

// lookup returns the block at rip if it still matches guest code. Blocks
// are re-hashed only when memory has been written since their last check.
func (d *Dispatcher) lookup(rip uint64) (*CompiledBlock, bool) {
	b, ok := d.cache.Lookup(rip)
	if !ok || d.code == nil {
		return b, ok
	}

	if wt, ok := d.code.(writeTracker); ok {
		gen := wt.Generation()
		if last, seen := d.checked[rip]; seen && last == gen {
			return b, true
		}
		d.checked[rip] = gen
	}

	if HashCode(d.code, b.Meta.CodePAddr, b.Meta.ByteLen) != b.Meta.Hash {
		d.cache.Remove(rip)
		d.dropped(rip)
		return nil, false
	}
	return b, true
}

// eventsPending reports whether the next boundary has an event the
// interpreter path must deliver first.
func (d *Dispatcher) eventsPending() bool {
	s, p := d.core.State, &d.core.Pending
	if s.Halted || p.HasPendingEvent() {
		return true
	}
	return p.PendingExternalInterrupts() > 0 &&
		s.Flag(emu.FlagIF) && p.InterruptInhibit() == 0
}

// Step runs one basic block, compiled if possible.
func (d *Dispatcher) Step() StepOutcome {
	entry := d.core.State.RIP

	if d.exec != nil && !d.forceInterp && !d.eventsPending() {
		if b, ok := d.lookup(entry); ok {
			return d.runCompiled(b)
		}
	}
	d.forceInterp = false

	res := d.core.RunBatch(d.bus, d.batchSize)
	if res.Executed > 0 {
		d.stats.InterpBlocks++
		d.noteEntry(entry)
	}
	return StepOutcome{
		Tier:     TierInterpreter,
		EntryRIP: entry,
		Retired:  res.Executed,
		Exit:     res.Exit,
	}
}

func (d *Dispatcher) runCompiled(b *CompiledBlock) StepOutcome {
	s := d.core.State
	out := StepOutcome{Tier: TierCompiled, EntryRIP: b.EntryRIP}

	d.abi.Store(s)
	exit := callBlock(d.exec, b, d.abi)

	if !exit.Committed {
		d.stats.Rollbacks++
		d.forceInterp = true
		d.log.V(1).Info("tier-1 rollback", "rip", b.EntryRIP)
		out.Exit = emu.BatchExit{Kind: emu.BatchCompleted}
		return out
	}

	d.abi.Load(s)
	s.SetIP(exit.NextRIP)

	n := uint64(b.Meta.InstructionCount)
	d.core.Time.Advance(n)
	d.core.Pending.RetireInstructions(n)
	if b.Meta.InhibitInterruptsAfter {
		d.core.Pending.InhibitInterruptsForOneInstruction()
	}
	if exit.ExitToInterpreter {
		d.forceInterp = true
		d.log.V(1).Info("tier-1 exit to interpreter", "rip", b.EntryRIP, "next", s.RIP)
	}

	d.stats.JITBlocks++
	d.noteEntry(b.EntryRIP)

	out.Retired = n
	out.Exit = emu.BatchExit{Kind: emu.BatchBranch}
	return out
}

// noteEntry counts a block execution and queues a compile request once the
// entry turns hot.
func (d *Dispatcher) noteEntry(rip uint64) {
	d.counts[rip]++
	if d.counts[rip] < d.hotThreshold || d.cache.Contains(rip) {
		return
	}
	if d.queue.Request(rip) {
		d.stats.CompileRequests++
		d.log.V(1).Info("compile requested", "rip", rip, "count", d.counts[rip])
	}
}

// RunBlocks dispatches up to max blocks. It stops early at HLT, a BIOS
// interrupt, an unresolved assist, an undelivered exception or a fatal
// exit.
func (d *Dispatcher) RunBlocks(max uint64) RunResult {
	var r RunResult
	for r.Blocks < max {
		out := d.Step()
		r.Retired += out.Retired
		if out.Retired > 0 || out.Tier == TierCompiled {
			r.Blocks++
			if out.Tier == TierCompiled {
				r.JITBlocks++
			} else {
				r.InterpBlocks++
			}
		}

		switch out.Exit.Kind {
		case emu.BatchCompleted, emu.BatchBranch:
			continue
		}
		r.Exit = out.Exit
		return r
	}
	r.Exit = emu.BatchExit{Kind: emu.BatchCompleted}
	return r
}

// SaveProfile merges the execution counts of hot entries into store.
// Compiled entries carry their code hash and extent.
func (d *Dispatcher) SaveProfile(store *ProfileStore) error {
	var entries []ProfileEntry
	for rip, n := range d.counts {
		if n < d.hotThreshold {
			continue
		}
		e := ProfileEntry{EntryRIP: rip, Count: n}
		if b, ok := d.cache.Peek(rip); ok {
			e.Hash = b.Meta.Hash
			e.CodePAddr = b.Meta.CodePAddr
			e.ByteLen = b.Meta.ByteLen
		}
		entries = append(entries, e)
	}
	if err := store.Merge(entries); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// PreWarm queues compile requests for entries store recorded as hot. An
// entry whose code hash no longer matches guest memory is skipped. It
// returns the number of requests queued.
func (d *Dispatcher) PreWarm(store *ProfileStore) (int, error) {
	hot, err := store.Hot(d.hotThreshold)
	if err != nil {
		return 0, fmt.Errorf("pre-warm: %w", err)
	}

	queued := 0
	for _, e := range hot {
		if e.Hash != (CodeHash{}) && d.code != nil &&
			HashCode(d.code, e.CodePAddr, e.ByteLen) != e.Hash {
			continue
		}
		if d.cache.Contains(e.EntryRIP) || !d.queue.Request(e.EntryRIP) {
			continue
		}
		d.stats.CompileRequests++
		queued++
	}
	d.log.Info("profile pre-warmed", "entries", len(hot), "queued", queued)
	return queued, nil
}
