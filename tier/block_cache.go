// Package tier chooses, per basic block, between the Tier-0 interpreter and
// blocks compiled by an external Tier-1 compiler.
package tier

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// BlockMeta describes the guest code a compiled block was built from.
type BlockMeta struct {
	// CodePAddr and ByteLen locate the block's code in guest physical memory.
	CodePAddr uint64
	ByteLen   uint32

	// InstructionCount is the number of guest instructions a committed
	// execution of the block retires.
	InstructionCount uint32

	// InhibitInterruptsAfter is set when the block ends with an instruction
	// that opens an interrupt shadow, such as MOV SS.
	InhibitInterruptsAfter bool

	// Hash is the CodeHash of the code bytes when the block was installed.
	Hash CodeHash
}

// CompiledBlock is an installed Tier-1 block. TableIndex is the opaque
// handle the executor uses to find the compiled code.
type CompiledBlock struct {
	EntryRIP   uint64
	TableIndex uint32
	Meta       BlockMeta
}

func (b *CompiledBlock) overlaps(paddr, n uint64) bool {
	start, end := b.Meta.CodePAddr, b.Meta.CodePAddr+uint64(b.Meta.ByteLen)
	return paddr < end && paddr+n > start
}

// BlockCache is a fully associative LRU cache of compiled blocks keyed by
// entry RIP. The akita directory tracks tags and recency; blocks are stored
// next to it, indexed by WayID.
type BlockCache struct {
	capacity  int
	directory *akitacache.DirectoryImpl
	blocks    []CompiledBlock
	len       int
}

// NewBlockCache creates a cache that holds up to capacity blocks.
func NewBlockCache(capacity int) *BlockCache {
	if capacity < 1 {
		capacity = 1
	}
	return &BlockCache{
		capacity: capacity,
		directory: akitacache.NewDirectory(
			1,
			capacity,
			1,
			akitacache.NewLRUVictimFinder(),
		),
		blocks: make([]CompiledBlock, capacity),
	}
}

// Capacity returns the maximum number of blocks.
func (c *BlockCache) Capacity() int { return c.capacity }

// Len returns the number of installed blocks.
func (c *BlockCache) Len() int { return c.len }

func (c *BlockCache) find(rip uint64) *akitacache.Block {
	block := c.directory.Lookup(0, rip)
	if block == nil || !block.IsValid {
		return nil
	}
	return block
}

// Lookup returns the block installed at rip and marks it most recently
// used.
func (c *BlockCache) Lookup(rip uint64) (*CompiledBlock, bool) {
	block := c.find(rip)
	if block == nil {
		return nil, false
	}
	c.directory.Visit(block)
	return &c.blocks[block.WayID], true
}

// Peek returns the block installed at rip without touching the LRU order.
func (c *BlockCache) Peek(rip uint64) (*CompiledBlock, bool) {
	block := c.find(rip)
	if block == nil {
		return nil, false
	}
	return &c.blocks[block.WayID], true
}

// Contains reports whether a block is installed at rip without touching
// the LRU order.
func (c *BlockCache) Contains(rip uint64) bool {
	return c.find(rip) != nil
}

// Install inserts b, replacing any block with the same entry RIP. It
// returns the entry RIPs of blocks evicted to make room.
func (c *BlockCache) Install(b CompiledBlock) []uint64 {
	var evicted []uint64

	block := c.find(b.EntryRIP)
	if block == nil {
		block = c.directory.FindVictim(b.EntryRIP)
		if block.IsValid {
			evicted = append(evicted, block.Tag)
		} else {
			c.len++
		}
	}

	block.Tag = b.EntryRIP
	block.IsValid = true
	c.blocks[block.WayID] = b
	c.directory.Visit(block)

	return evicted
}

// Remove drops the block at rip. It reports whether one was installed.
func (c *BlockCache) Remove(rip uint64) bool {
	block := c.find(rip)
	if block == nil {
		return false
	}
	block.IsValid = false
	c.blocks[block.WayID] = CompiledBlock{}
	c.len--
	return true
}

// InvalidateRange drops every block whose code overlaps the n bytes at
// paddr and returns their entry RIPs.
func (c *BlockCache) InvalidateRange(paddr, n uint64) []uint64 {
	var dropped []uint64
	for _, set := range c.directory.GetSets() {
		for _, block := range set.Blocks {
			if !block.IsValid || !c.blocks[block.WayID].overlaps(paddr, n) {
				continue
			}
			dropped = append(dropped, block.Tag)
			block.IsValid = false
			c.blocks[block.WayID] = CompiledBlock{}
			c.len--
		}
	}
	return dropped
}

// EntryRIPs returns the entry RIPs of all installed blocks, least recently
// used first.
func (c *BlockCache) EntryRIPs() []uint64 {
	var rips []uint64
	for _, set := range c.directory.GetSets() {
		for _, block := range set.LRUQueue {
			if block.IsValid {
				rips = append(rips, block.Tag)
			}
		}
	}
	return rips
}

// Flush drops every block and returns their entry RIPs.
func (c *BlockCache) Flush() []uint64 {
	rips := c.EntryRIPs()
	c.directory.Reset()
	clear(c.blocks)
	c.len = 0
	return rips
}
