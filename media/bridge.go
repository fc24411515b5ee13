/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"log/slog"
	"sync"
)

// Bridge routes the inbound tracks of the active connection into a Sink.
//
// Attach covers tracks already present and tracks that arrive later; each
// track is handed to the sink once. Detach stops routing, and tracks that
// belong to a detached connection are dropped.
type Bridge struct {
	mu       sync.Mutex
	sink     Sink
	conn     Connection
	gen      uint64
	attached map[string]struct{}
	onError  func(error)
	logger   *slog.Logger
}

// NewBridge creates a Bridge feeding sink.
func NewBridge(sink Sink, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		sink:     sink,
		attached: make(map[string]struct{}),
		logger:   logger.With("component", "media.bridge"),
	}
}

// OnError registers a callback for sink attach failures. Failures are
// otherwise only logged.
func (b *Bridge) OnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Attach starts routing conn's tracks, replacing any previous connection.
func (b *Bridge) Attach(conn Connection) {
	b.mu.Lock()
	prev := b.conn
	b.gen++
	gen := b.gen
	b.conn = conn
	b.attached = make(map[string]struct{})
	b.mu.Unlock()

	if prev != nil && prev != conn {
		prev.OnTrack(nil)
		b.sink.Detach()
	}

	// Register first so a track arriving during enumeration is not missed;
	// the dedupe set absorbs the overlap.
	conn.OnTrack(func(t Track) {
		b.attachTrack(gen, t)
	})
	for _, t := range conn.InboundTracks() {
		b.attachTrack(gen, t)
	}
}

// Detach stops routing and clears the sink. No-op when nothing is attached.
func (b *Bridge) Detach() {
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return
	}
	b.gen++
	b.conn = nil
	b.attached = make(map[string]struct{})
	b.sink.Detach()
	b.mu.Unlock()

	conn.OnTrack(nil)
	b.logger.Debug("detached")
}

// Attached reports whether a connection is currently routed.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *Bridge) attachTrack(gen uint64, t Track) {
	b.mu.Lock()
	if gen != b.gen || b.conn == nil {
		b.mu.Unlock()
		b.logger.Debug("dropping track of detached connection", "track", t.ID())
		return
	}
	if _, ok := b.attached[t.ID()]; ok {
		b.mu.Unlock()
		return
	}
	b.attached[t.ID()] = struct{}{}
	err := b.sink.Attach(t)
	onError := b.onError
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("failed to attach track", "track", t.ID(), "error", err)
		if onError != nil {
			onError(err)
		}
		return
	}
	b.logger.Info("track attached", "track", t.ID(), "codec", t.Codec().Name)
}
