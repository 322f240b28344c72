/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package engine

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrEngineClosed is returned by producers started or still queued after the
// backend began closing
var ErrEngineClosed = errors.New("engine closed")

// producer pushes segments through emit until done. emit returns false once
// the consumer has abandoned the sequence; the producer should then stop as
// soon as it can.
type producer func(emit func(Segment) bool) error

type streamItem struct {
	seg Segment
	err error
}

// stream adapts a push-style recognizer callback into a Transcription
type stream struct {
	backend   string
	summary   Summary
	items     chan streamItem
	done      chan struct{}
	closeOnce sync.Once
	pending   *streamItem
	finished  bool
}

func newStream(backend string) *stream {
	return &stream{
		backend: backend,
		items:   make(chan streamItem),
		done:    make(chan struct{}),
	}
}

// start runs produce on its own goroutine. It must be called once.
func (s *stream) start(produce producer) {
	go func() {
		defer close(s.items)
		emit := func(seg Segment) bool {
			select {
			case s.items <- streamItem{seg: seg}:
				return true
			case <-s.done:
				return false
			}
		}
		if err := produce(emit); err != nil {
			select {
			case s.items <- streamItem{err: err}:
			case <-s.done:
			}
		}
	}()
}

// awaitFirst blocks until the producer yields its first segment, fails, or
// finishes empty. A failure here is reported by Run instead of Next.
func (s *stream) awaitFirst(ctx context.Context) error {
	select {
	case item, ok := <-s.items:
		if !ok {
			s.finished = true
			return nil
		}
		if item.err != nil {
			s.finished = true
			return item.err
		}
		s.pending = &item
		return nil
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

func (s *stream) Summary() Summary {
	return s.summary
}

func (s *stream) Next(ctx context.Context) (Segment, error) {
	select {
	case <-s.done:
		return Segment{}, ErrTranscriptionClosed
	default:
	}

	if s.pending != nil {
		seg := s.pending.seg
		s.pending = nil
		return seg, nil
	}
	if s.finished {
		return Segment{}, io.EOF
	}

	select {
	case item, ok := <-s.items:
		if !ok {
			s.finished = true
			return Segment{}, io.EOF
		}
		if item.err != nil {
			s.finished = true
			return Segment{}, NewError(s.backend, "decode", item.err)
		}
		return item.seg, nil
	case <-ctx.Done():
		return Segment{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// abandoned reports whether the consumer closed the stream
func (s *stream) abandoned() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// inflight tracks producers that share native resources. Producers holding
// the same key run one at a time, and drain waits for every one of them
// before the resources may be freed.
type inflight struct {
	mu       sync.Mutex
	keys     map[string]*sync.Mutex
	wg       sync.WaitGroup
	quit     chan struct{}
	draining bool
}

func newInflight() *inflight {
	return &inflight{keys: make(map[string]*sync.Mutex), quit: make(chan struct{})}
}

// enter registers a producer. Every successful enter needs one exit.
func (f *inflight) enter() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.draining {
		return ErrEngineClosed
	}
	f.wg.Add(1)
	return nil
}

func (f *inflight) exit() {
	f.wg.Done()
}

// serialize runs fn while holding the lock for key. fn is skipped if drain
// began while waiting for the lock.
func (f *inflight) serialize(key string, fn func() error) error {
	f.mu.Lock()
	m, ok := f.keys[key]
	if !ok {
		m = &sync.Mutex{}
		f.keys[key] = m
	}
	f.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	if f.stopping() {
		return ErrEngineClosed
	}
	return fn()
}

// stopping reports whether running producers should give up
func (f *inflight) stopping() bool {
	select {
	case <-f.quit:
		return true
	default:
		return false
	}
}

// drain rejects new producers, asks running ones to stop and waits for them
func (f *inflight) drain() {
	f.mu.Lock()
	if !f.draining {
		f.draining = true
		close(f.quit)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// replay serves an already materialized segment list
type replay struct {
	summary  Summary
	segments []Segment
	next     int
	closed   bool
}

func (r *replay) Summary() Summary {
	return r.summary
}

func (r *replay) Next(ctx context.Context) (Segment, error) {
	if r.closed {
		return Segment{}, ErrTranscriptionClosed
	}
	if err := ctx.Err(); err != nil {
		return Segment{}, err
	}
	if r.next >= len(r.segments) {
		return Segment{}, io.EOF
	}
	seg := r.segments[r.next]
	r.next++
	return seg, nil
}

func (r *replay) Close() error {
	r.closed = true
	return nil
}
