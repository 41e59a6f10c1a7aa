// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package purity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGuard_BlocksDialWhileActive(t *testing.T) {
	g := New(silentLogger())
	g.Activate()

	d := g.Dialer()
	_, err := d.DialContext(context.Background(), "tcp", "example.com:443")
	require.Error(t, err)
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "socket", violation.Kind)

	summary := g.Summary()
	assert.Equal(t, int64(1), summary.SocketsBlocked)
	assert.True(t, summary.NetworkSyscalls)
	assert.False(t, summary.Clean())
}

func TestGuard_BlocksDNSWhileActive(t *testing.T) {
	g := New(silentLogger())
	g.Activate()

	r := g.Resolver()
	_, err := r.LookupHost(context.Background(), "example.com")
	require.Error(t, err)

	summary := g.Summary()
	assert.Equal(t, int64(1), summary.DNSBlocked)
}

func TestGuard_CleanWhenNoAttempts(t *testing.T) {
	g := New(silentLogger())
	g.Activate()
	g.Deactivate()

	summary := g.Summary()
	assert.True(t, summary.Clean())
}

func TestGuard_InactiveDoesNotBlock(t *testing.T) {
	g := New(silentLogger())
	// Never activated: dialing a closed local port should fail for
	// ordinary network reasons, not be intercepted by the guard.
	d := g.Dialer()
	_, err := d.DialContext(context.Background(), "tcp", "127.0.0.1:0")
	require.Error(t, err)
	var violation *ViolationError
	assert.False(t, errors.As(err, &violation))
	assert.Equal(t, int64(0), g.Summary().SocketsBlocked)
}
