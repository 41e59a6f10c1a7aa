// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// ledger-dump inspects the Evidence Ledger: it verifies the hash chain
// end to end and prints a human-readable summary of total entries,
// per-label accept/reject counts, and the final chain hash.
//
// Usage:
//
//	ledger-dump --ledger evidence.jsonl
//
// Exit codes:
//
//	0 — chain verified
//	2 — chain broken or the ledger file could not be read
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/matthewtpapa/vision/services/vision/errs"
	"github.com/matthewtpapa/vision/services/vision/ledger"
	"github.com/matthewtpapa/vision/services/vision/types"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var ledgerPath string

	root := &cobra.Command{
		Use:           "ledger-dump",
		Short:         "verify and summarize an Evidence Ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return dump(ledgerPath)
		},
	}
	root.Flags().StringVar(&ledgerPath, "ledger", "", "path to the Evidence Ledger JSONL file (required)")
	_ = root.MarkFlagRequired("ledger")

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var corrupt *ledger.CorruptError
		if errors.As(err, &corrupt) {
			fmt.Fprintf(os.Stderr, "ledger-dump: %v\n", err)
			return errs.ExitDataOrConfigError
		}
		fmt.Fprintf(os.Stderr, "ledger-dump: %v\n", err)
		return errs.ExitCode(err)
	}
	return errs.ExitOK
}

type labelCounts struct {
	accepted int
	rejected int
}

func dump(path string) error {
	entries, headHash, err := ledger.LoadWithHead(path)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	byLabel := make(map[string]*labelCounts)
	for _, e := range entries {
		c, ok := byLabel[e.Label]
		if !ok {
			c = &labelCounts{}
			byLabel[e.Label] = c
		}
		if e.Accepted {
			c.accepted++
		} else {
			c.rejected++
		}
	}

	printSummary(path, entries, byLabel, headHash)
	return nil
}

func printSummary(path string, entries []types.LedgerEntry, byLabel map[string]*labelCounts, headHash string) {
	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	bold := func(s string) string { return s }
	green := func(s string) string { return s }
	if color {
		bold = func(s string) string { return "\x1b[1m" + s + "\x1b[0m" }
		green = func(s string) string { return "\x1b[32m" + s + "\x1b[0m" }
	}

	fmt.Printf("%s %s\n", bold("Ledger:"), path)
	fmt.Println(green("Hash chain verified."))
	fmt.Printf("Entries: %d\n", len(entries))

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	fmt.Println(bold("By label:"))
	for _, label := range labels {
		c := byLabel[label]
		fmt.Printf("  %-24s accepted=%-6d rejected=%-6d\n", label, c.accepted, c.rejected)
	}
	if len(entries) > 0 {
		fmt.Printf("Chain head: %s\n", headHash)
	}
}
