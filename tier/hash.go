package tier

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// CodeHash identifies the bytes a block was compiled from.
type CodeHash [blake2b.Size256]byte

// CodeSource reads guest physical memory.
type CodeSource interface {
	ReadBytes(paddr uint64, dst []byte)
}

// HashCode hashes the n code bytes at paddr.
func HashCode(src CodeSource, paddr uint64, n uint32) CodeHash {
	buf := make([]byte, n)
	src.ReadBytes(paddr, buf)
	return blake2b.Sum256(buf)
}

// String returns the hash in hex.
func (h CodeHash) String() string {
	return hex.EncodeToString(h[:])
}
