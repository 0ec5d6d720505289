// Package main provides the entry point for x86core.
// x86core is a tiered x86 CPU core: an interpreter plus a block cache for
// externally compiled code.
//
// For the full CLI, use: go run ./cmd/x86core
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("x86core - tiered x86 CPU core")
	fmt.Println("")
	fmt.Println("Usage: x86core [options] <image>")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -config    Path to machine configuration (JSON or YAML)")
	fmt.Println("  -mode      CPU mode at reset: real, protected or long")
	fmt.Println("  -profile   Hot-block profile database")
	fmt.Println("  -v         Log verbosity")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/x86core' for the full CLI.")
	fmt.Println("Run 'go run ./cmd/x86profile' to inspect a profile database.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/x86core' instead.")
	}
}
