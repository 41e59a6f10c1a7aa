// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package purity enforces and audits the hot-loop purity invariant: zero
// network syscalls between the first and last frame of a run. It does not
// scan arbitrary code for syscalls — that is an external auditing concern
// run alongside the binary — but it gives
// the pipeline a Dialer/Resolver it can hand to any component that might
// otherwise reach the network, so a violation during the guarded window is
// caught and counted instead of silently succeeding.
package purity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Summary is the purity block persisted into metrics.json.
type Summary struct {
	NetworkSyscalls bool  `json:"network_syscalls"`
	SocketsBlocked  int64 `json:"sockets_blocked"`
	DNSBlocked      int64 `json:"dns_blocked"`
}

// Guard tracks whether the hot loop is currently in its purity-enforced
// window, counts blocked socket/DNS attempts made through its Dialer and
// Resolver during that window, and logs each blocked attempt as a
// structured audit entry.
type Guard struct {
	mu     sync.RWMutex
	active bool
	log    *slog.Logger

	sockets int64
	dns     int64
}

// New creates an inactive Guard. Activate must be called before the first
// frame and Deactivate after the last, bracketing exactly the hot loop's
// lifetime. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{log: logger}
}

// logBlocked records the audit entry for one blocked attempt.
func (g *Guard) logBlocked(kind, network, address string) {
	g.log.Warn("purity blocked",
		slog.String("event", "purity_blocked"),
		slog.String("kind", kind),
		slog.String("network", network),
		slog.String("address", address),
		slog.String("reason", "network syscall during hot loop"),
		slog.Int64("timestamp", time.Now().UnixMilli()),
	)
}

// Activate begins the purity-enforced window.
func (g *Guard) Activate() {
	g.mu.Lock()
	g.active = true
	g.mu.Unlock()
}

// Deactivate ends the purity-enforced window, e.g. so offline tooling or
// shutdown-time flush paths may use the network freely.
func (g *Guard) Deactivate() {
	g.mu.Lock()
	g.active = false
	g.mu.Unlock()
}

func (g *Guard) isActive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// ViolationError reports a blocked network attempt during the guarded
// window. Fatal to the gate: the run still writes artifacts, but exit is
// non-zero.
type ViolationError struct {
	Kind    string // "socket" or "dns"
	Network string
	Address string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("purity: blocked %s syscall to %s (%s) during hot loop", e.Kind, e.Address, e.Network)
}

// Dialer returns a net.Dialer whose DialContext refuses to connect while
// the Guard is active, incrementing the socket-blocked counter instead.
// Outside the guarded window it behaves like a normal dialer.
func (g *Guard) Dialer() *GuardedDialer {
	return &GuardedDialer{guard: g, inner: &net.Dialer{}}
}

// GuardedDialer wraps net.Dialer with the purity check.
type GuardedDialer struct {
	guard *Guard
	inner *net.Dialer
}

// DialContext enforces the purity check before delegating to the inner
// dialer.
func (d *GuardedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.guard.isActive() {
		atomic.AddInt64(&d.guard.sockets, 1)
		d.guard.logBlocked("socket", network, address)
		return nil, &ViolationError{Kind: "socket", Network: network, Address: address}
	}
	return d.inner.DialContext(ctx, network, address)
}

// Resolver returns a *net.Resolver backed by a guarded dial function, so
// DNS lookups are blocked the same way outbound connections are.
func (g *Guard) Resolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			if g.isActive() {
				atomic.AddInt64(&g.dns, 1)
				g.logBlocked("dns", network, address)
				return nil, &ViolationError{Kind: "dns", Network: network, Address: address}
			}
			return (&net.Dialer{}).DialContext(ctx, network, address)
		},
	}
}

// Summary returns the current audit block. NetworkSyscalls is true if any
// socket or DNS attempt was blocked during the guarded window.
func (g *Guard) Summary() Summary {
	sockets := atomic.LoadInt64(&g.sockets)
	dns := atomic.LoadInt64(&g.dns)
	return Summary{
		NetworkSyscalls: sockets > 0 || dns > 0,
		SocketsBlocked:  sockets,
		DNSBlocked:      dns,
	}
}

// Clean reports whether the run satisfies the purity invariant: no blocked
// attempts at all.
func (s Summary) Clean() bool {
	return !s.NetworkSyscalls && s.SocketsBlocked == 0 && s.DNSBlocked == 0
}
