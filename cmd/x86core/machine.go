package main

import (
	"fmt"
	"io"
	"math"

	"github.com/go-logr/logr"

	"github.com/sarchlab/x86core/config"
	"github.com/sarchlab/x86core/emu"
	"github.com/sarchlab/x86core/loader"
	"github.com/sarchlab/x86core/mem"
	"github.com/sarchlab/x86core/mmu"
	"github.com/sarchlab/x86core/tier"
)

// machine is one configured guest: RAM, MMU, bus, core and dispatcher.
type machine struct {
	cfg  *config.Config
	phys *mem.Memory
	mmu  *mmu.MMU
	bus  *emu.PagingBus
	core *emu.Core
	disp *tier.Dispatcher
	log  logr.Logger
}

func newMachine(cfg *config.Config, img *loader.Image, log logr.Logger) (*machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	mode, err := cfg.CPUMode()
	if err != nil {
		return nil, err
	}

	m := &machine{
		cfg:  cfg,
		phys: mem.NewMemory(cfg.RAMSize),
		log:  log,
	}
	if err := img.CopyTo(m.phys); err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}

	m.mmu = mmu.New(
		mmu.WithTLBConfig(mmu.TLBConfig{Sets: cfg.TLBSets, Ways: cfg.TLBWays}),
		mmu.WithMaxPhysBits(cfg.MaxPhysBits),
	)
	m.bus = emu.NewPagingBus(m.phys, emu.WithMMU(m.mmu))
	m.core = emu.NewCore(mode,
		emu.WithLogger(log.WithName("core")),
		emu.WithTicksPerInstruction(cfg.TicksPerInstruction),
	)
	m.resetRegisters(mode, img)
	m.bus.Sync(m.core.State)

	m.disp = tier.NewDispatcher(m.core, m.bus,
		tier.WithCodeSource(m.phys),
		tier.WithHotThreshold(cfg.HotThreshold),
		tier.WithBatchSize(cfg.BatchSize),
		tier.WithCacheCapacity(cfg.BlockCacheCapacity),
		tier.WithQueueCapacity(cfg.CompileQueueCapacity),
		tier.WithLogger(log.WithName("tier")),
	)

	return m, nil
}

// resetRegisters points the core at the image. Flat images start at
// ResetRIP (or their load address when it is zero); ELF images start at
// their entry point.
func (m *machine) resetRegisters(mode emu.Mode, img *loader.Image) {
	s := m.core.State

	entry := img.EntryPoint
	if img.Kind == loader.KindFlat && m.cfg.ResetRIP != 0 {
		entry = m.cfg.ResetRIP
	}

	if mode == emu.ModeReal {
		s.LoadRealSegment(emu.SegCS, m.cfg.ResetCS)
		entry -= uint64(m.cfg.ResetCS) << 4
	}
	s.SetIP(entry)
	s.SetStackPointer(m.cfg.StackPointer)
}

// run dispatches blocks until the guest stops or the configured bound is
// reached.
func (m *machine) run(maxBlocks uint64) tier.RunResult {
	if maxBlocks == 0 {
		maxBlocks = math.MaxUint64
	}
	res := m.disp.RunBlocks(maxBlocks)
	m.log.Info("run finished",
		"exit", res.Exit.String(),
		"blocks", res.Blocks,
		"retired", res.Retired)
	return res
}

func (m *machine) printSummary(w io.Writer, res tier.RunResult) {
	s := m.core.State
	stats := m.disp.Stats()
	ms := m.mmu.Stats()

	fmt.Fprintf(w, "Exit: %s\n", res.Exit)
	fmt.Fprintf(w, "Mode: %s\n", s.Mode)
	fmt.Fprintf(w, "RIP: 0x%X\n", s.RIP)
	fmt.Fprintf(w, "Instructions: %d\n", m.core.InstructionCount())
	fmt.Fprintf(w, "TSC: %d\n", m.core.Time.ReadTSC())
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Blocks: %d (tier0 %d, tier1 %d)\n", res.Blocks, res.InterpBlocks, res.JITBlocks)
	fmt.Fprintf(w, "  Compile requests: %d (pending %d)\n", stats.CompileRequests, m.disp.PendingCompiles())
	fmt.Fprintf(w, "  Rollbacks:        %d\n", stats.Rollbacks)
	fmt.Fprintf(w, "  Invalidations:    %d\n", stats.Invalidations)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "TLB:\n")
	fmt.Fprintf(w, "  ITLB: %d lookups, %d hits, %d misses\n", ms.ITLBLookups, ms.ITLBHits, ms.ITLBMisses)
	fmt.Fprintf(w, "  DTLB: %d lookups, %d hits, %d misses\n", ms.DTLBLookups, ms.DTLBHits, ms.DTLBMisses)
	fmt.Fprintf(w, "  Page walks: %d\n", ms.PageWalks)
	fmt.Fprintf(w, "  Flushes: %d full, %d non-global, %d invlpg\n", ms.FlushAll, ms.FlushNonGlobal, ms.Invlpg)
}

// runWithProfile runs up to the configured block bound, going through the
// profile database when one is configured.
func (m *machine) runWithProfile() (tier.RunResult, error) {
	var res tier.RunResult
	if m.cfg.ProfilePath == "" {
		return m.run(m.cfg.MaxBlocks), nil
	}
	err := m.withProfile(m.cfg.ProfilePath, func() {
		res = m.run(m.cfg.MaxBlocks)
	})
	return res, err
}

// withProfile pre-warms the dispatcher from the profile at path, calls fn
// and merges the run's counts back.
func (m *machine) withProfile(path string, fn func()) error {
	store, err := tier.OpenProfileStore(path, tier.WithProfileLogger(m.log.WithName("profile")))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if _, err := m.disp.PreWarm(store); err != nil {
		return err
	}
	fn()
	return m.disp.SaveProfile(store)
}
