// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package errs holds the engine's outermost error kinds and the single
// exit-code mapping the CLI boundary applies to them. Every other package
// defines its own typed errors; ExitCode recognizes config.ConfigError,
// ledger.CorruptError, purity.ViolationError and
// labelbank.DimMismatchError/EmptyShardError/IOError, so cmd/visiond has one
// place that decides the process exit code. Any other error, such as
// promote.EmptyClassError, takes the default branch.
package errs

import (
	"errors"
	"fmt"

	"github.com/matthewtpapa/vision/services/vision/config"
	"github.com/matthewtpapa/vision/services/vision/labelbank"
	"github.com/matthewtpapa/vision/services/vision/ledger"
	"github.com/matthewtpapa/vision/services/vision/purity"
)

// DataError reports malformed input, an empty fixture, or any other
// problem with the data a run was given rather than with its
// configuration. Exit code 2.
type DataError struct {
	Cause string
}

func (e *DataError) Error() string { return "data error: " + e.Cause }

// NewDataError wraps a single-line cause.
func NewDataError(format string, args ...any) *DataError {
	return &DataError{Cause: fmt.Sprintf(format, args...)}
}

// BudgetBreachError reports a sustained p95 > budget across the full
// window at end-of-run with gate mode enabled. Exit code 2.
type BudgetBreachError struct {
	P95Ms    float64
	BudgetMs int
}

func (e *BudgetBreachError) Error() string {
	return fmt.Sprintf("budget breach: p95=%.2fms budget=%dms", e.P95Ms, e.BudgetMs)
}

// Process exit codes for every vision CLI.
const (
	ExitOK                = 0
	ExitDataOrConfigError = 2
	ExitMissingDependency = 3
)

// ExitCode maps a typed error from any vision component to the process
// exit code the CLI boundary should use. A nil error maps to ExitOK; an
// unrecognized error type is treated conservatively as a data error.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var dataErr *DataError
	var budgetErr *BudgetBreachError
	var configErr *config.ConfigError
	var corruptErr *ledger.CorruptError
	var purityErr *purity.ViolationError
	var dimErr *labelbank.DimMismatchError
	var emptyShardErr *labelbank.EmptyShardError
	var ioErr *labelbank.IOError

	// Every recognized kind maps to the same exit code today; the
	// type-switch stays explicit so a future kind with a distinct code
	// (ExitMissingDependency is reserved for one) has an obvious place to
	// land instead of falling through the default.
	switch {
	case errors.As(err, &dataErr),
		errors.As(err, &budgetErr),
		errors.As(err, &configErr),
		errors.As(err, &corruptErr),
		errors.As(err, &purityErr),
		errors.As(err, &dimErr),
		errors.As(err, &emptyShardErr),
		errors.As(err, &ioErr):
		return ExitDataOrConfigError
	default:
		return ExitDataOrConfigError
	}
}
