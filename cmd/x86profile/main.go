// Package main provides x86profile, which inspects and clears the hot-block
// profile databases written by x86core.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"

	"github.com/sarchlab/x86core/tier"
)

var (
	threshold = flag.Uint64("threshold", 0, "Only list entries executed at least this many times")
	limit     = flag.Int("n", 0, "List at most this many entries (0 = all)")
	clearDB   = flag.Bool("clear", false, "Delete every entry instead of listing")
	verbose   = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: x86profile [options] <profile-db>\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	log := logr.FromSlogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := tier.OpenProfileStore(flag.Arg(0), tier.WithProfileLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	if *clearDB {
		err = store.Clear()
	} else {
		err = dump(os.Stdout, store, *threshold, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = store.Close()
		os.Exit(1)
	}
}

// dump lists entries hottest first.
func dump(w io.Writer, store *tier.ProfileStore, threshold uint64, limit int) error {
	entries, err := store.Hot(threshold)
	if err != nil {
		return err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	fmt.Fprintf(w, "%-18s %12s  %-18s %6s  %s\n", "RIP", "COUNT", "CODE", "BYTES", "HASH")
	for _, e := range entries {
		code, hash := "-", "-"
		if e.Hash != (tier.CodeHash{}) {
			code = fmt.Sprintf("0x%X", e.CodePAddr)
			hash = e.Hash.String()[:16]
		}
		fmt.Fprintf(w, "0x%-16X %12d  %-18s %6d  %s\n", e.EntryRIP, e.Count, code, e.ByteLen, hash)
	}
	fmt.Fprintf(w, "\n%d entries\n", len(entries))
	return nil
}
