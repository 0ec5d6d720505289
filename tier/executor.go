package tier

// Executor runs compiled Tier-1 blocks. The compiler and the generated
// code live outside this module; an Executor is the bridge to them.
//
// Execute runs the block registered under tableIndex against the state in
// abi, writes the resulting state back into abi and returns either the
// next RIP or ExitSentinel.
type Executor interface {
	Execute(tableIndex uint32, abi *ABI) uint64
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(tableIndex uint32, abi *ABI) uint64

// Execute calls f.
func (f ExecutorFunc) Execute(tableIndex uint32, abi *ABI) uint64 {
	return f(tableIndex, abi)
}

// BlockExit is the decoded result of one Tier-1 call.
type BlockExit struct {
	NextRIP           uint64
	ExitToInterpreter bool
	Committed         bool
}

func callBlock(e Executor, b *CompiledBlock, abi *ABI) BlockExit {
	ret := e.Execute(b.TableIndex, abi)
	exit := BlockExit{
		NextRIP:   ret,
		Committed: abi.Committed(),
	}
	if ret == ExitSentinel {
		exit.ExitToInterpreter = true
		exit.NextRIP = abi.RIP()
	}
	return exit
}
