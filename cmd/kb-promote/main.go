// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// kb-promote is the offline KB promoter: it reads accepted Evidence Ledger
// entries, runs diversity-penalized herding + int8 quantization per class,
// and atomically replaces each class's medoid file. It never runs
// concurrently with visiond's hot loop.
//
// Usage:
//
//	kb-promote --ledger evidence.jsonl --out ./medoids
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/matthewtpapa/vision/services/vision/errs"
	"github.com/matthewtpapa/vision/services/vision/ledger"
	"github.com/matthewtpapa/vision/services/vision/promote"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		ledgerPath      string
		outDir          string
		promotionLedger string
		minAccepted     int
	)

	root := &cobra.Command{
		Use:           "kb-promote",
		Short:         "promote accepted Evidence Ledger entries into LabelBank medoids",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			return promoteAll(ledgerPath, outDir, promotionLedger, minAccepted, logger)
		},
	}

	root.Flags().StringVar(&ledgerPath, "ledger", "", "path to the Evidence Ledger JSONL file (required)")
	root.Flags().StringVar(&outDir, "out", "./medoids", "directory to write per-class medoid files into")
	root.Flags().StringVar(&promotionLedger, "promotion-ledger", "promotion_ledger.jsonl", "path to the append-only promotion audit log")
	root.Flags().IntVar(&minAccepted, "min-accepted", 1, "minimum accepted entries a class needs before it is promoted")
	_ = root.MarkFlagRequired("ledger")

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kb-promote: %v\n", err)
		return errs.ExitCode(err)
	}
	return errs.ExitOK
}

func promoteAll(ledgerPath, outDir, promotionLedgerPath string, minAccepted int, logger *slog.Logger) error {
	logger.Info("kb promoter started", "ledger", ledgerPath, "out", outDir)

	entries, err := ledger.Load(ledgerPath)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	byLabel := make(map[string][]promote.LedgerAcceptedEntry)
	for _, e := range entries {
		if !e.Accepted {
			continue
		}
		byLabel[e.Label] = append(byLabel[e.Label], promote.LedgerAcceptedEntry{
			Label:     e.Label,
			Embedding: e.Embedding,
			Sequence:  e.Sequence,
		})
	}

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var promoted []promote.Result
	var skipped []string
	for _, label := range labels {
		class := byLabel[label]
		if len(class) < minAccepted {
			skipped = append(skipped, label)
			continue
		}
		result, err := promote.PromoteClass(label, class)
		if err != nil {
			skipped = append(skipped, label)
			continue
		}
		if err := promote.WriteMedoidFile(outDir, label, result.Medoids); err != nil {
			return fmt.Errorf("write medoid file for %s: %w", label, err)
		}
		if err := promote.AppendPromotionLedger(promotionLedgerPath, promote.PromotionRecord{
			Label:      label,
			Sequences:  result.Sequences,
			FileDigest: result.FileDigest,
		}); err != nil {
			return fmt.Errorf("append promotion ledger for %s: %w", label, err)
		}
		logger.Info("class promoted",
			"label", label,
			"medoids", len(result.Medoids),
			"mean_cos_err", result.MeanCosErr,
		)
		promoted = append(promoted, result)
	}

	logger.Info("kb promoter finished", "promoted", len(promoted), "skipped", len(skipped))
	printSummary(promoted, skipped, minAccepted)
	return nil
}

// printSummary renders a human-readable table, colorized only when stdout
// is a terminal; under redirection it degrades to plain text.
func printSummary(promoted []promote.Result, skipped []string, minAccepted int) {
	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	bold := func(s string) string { return s }
	green := func(s string) string { return s }
	yellow := func(s string) string { return s }
	if color {
		bold = func(s string) string { return "\x1b[1m" + s + "\x1b[0m" }
		green = func(s string) string { return "\x1b[32m" + s + "\x1b[0m" }
		yellow = func(s string) string { return "\x1b[33m" + s + "\x1b[0m" }
	}

	fmt.Println(bold(fmt.Sprintf("Promoted %d class(es):", len(promoted))))
	for _, r := range promoted {
		fmt.Printf("  %s  medoids=%d  mean_cos_err=%.4f  digest=%s\n",
			green(r.Label), len(r.Medoids), r.MeanCosErr, r.FileDigest[:12])
	}
	if len(skipped) > 0 {
		fmt.Println(yellow(fmt.Sprintf("Skipped %d class(es) with fewer than %d accepted entries:", len(skipped), minAccepted)))
		for _, label := range skipped {
			fmt.Printf("  %s\n", label)
		}
	}
}
