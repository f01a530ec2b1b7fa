package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	persistlog "realtime.ai/internal/persistence/log"
)

// logsCmd prints the compressed JSONL audit or weather logs in file order.
func logsCmd(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	tail := fs.Int("tail", 0, "print only the last N entries (0 = all)")
	_ = fs.Parse(args)

	kind := "audit"
	if fs.NArg() > 0 {
		kind = strings.TrimSpace(fs.Arg(0))
	}
	if kind != "audit" && kind != "weather" {
		fmt.Fprintln(os.Stderr, "usage: admin logs [-data ./data] [-tail N] audit|weather")
		os.Exit(2)
	}
	if err := printLogs(os.Stdout, filepath.Join(*dataDir, kind), kind, *tail); err != nil {
		fmt.Fprintln(os.Stderr, "logs:", err)
		os.Exit(1)
	}
}

func printLogs(w io.Writer, dir, prefix string, tail int) error {
	files, err := persistlog.NewJSONLZstdWriter(dir, prefix).Files()
	if err != nil {
		return err
	}
	var lines []string
	for _, f := range files {
		entries, err := persistlog.ReadAll(f)
		// The newest file may still be open on the server.
		if err != nil && len(entries) == 0 {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(f), err)
			continue
		}
		for _, e := range entries {
			lines = append(lines, string(e))
		}
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
