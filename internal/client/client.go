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

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrBusy is returned by Submit while another job is in flight on the proxy
	ErrBusy = errors.New("a job is already running on this connection")
	// ErrClosed is returned after Close, or once a stop went unanswered past
	// CloseGrace and the channel was dropped
	ErrClosed = errors.New("proxy closed")
)

// Outcome is how a submitted job ended from the client's point of view
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeStopped
	OutcomeFailed
	OutcomeConnectionLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeStopped:
		return "stopped"
	case OutcomeFailed:
		return "failed"
	case OutcomeConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// TransportError reports a failed or timed out read or write on the channel
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the underlying error was a deadline
func (e *TransportError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ServerError carries the message of a server error frame
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Config holds proxy settings
type Config struct {
	URL          string
	Header       http.Header
	SendTimeout  time.Duration
	ReadTimeout  time.Duration
	CloseGrace   time.Duration
	PingInterval time.Duration
}

// DefaultConfig returns settings suitable for the bundled server
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		SendTimeout:  30 * time.Second,
		ReadTimeout:  60 * time.Second,
		CloseGrace:   2 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

// Request describes one job to submit
type Request struct {
	AudioPath string
	Model     protocol.ModelSelector
	SaveAudio bool
	// FileName defaults to the base name of AudioPath
	FileName string
}

type inboundFrame struct {
	resp protocol.Response
}

// Proxy owns exactly one websocket channel to the server
type Proxy struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex

	frames   chan inboundFrame
	readErr  error
	readDone chan struct{}
	closed   chan struct{}

	busy      atomic.Bool
	jobMu     sync.Mutex
	jobDone   chan struct{}
	closeOnce sync.Once
	shutOnce  sync.Once
}

// Dial opens the channel. ctx bounds the handshake only.
func Dial(ctx context.Context, cfg Config) (*Proxy, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "dial", Err: fmt.Errorf("%w (status %d)", err, resp.StatusCode)}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	p := &Proxy{
		cfg:      cfg,
		conn:     conn,
		frames:   make(chan inboundFrame, 16),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}

	p.extendRead()
	conn.SetPongHandler(func(string) error {
		p.extendRead()
		return nil
	})

	go p.readLoop()
	if cfg.PingInterval > 0 {
		go p.pingLoop()
	}

	return p, nil
}

func (p *Proxy) extendRead() {
	if p.cfg.ReadTimeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	}
}

func (p *Proxy) readLoop() {
	defer close(p.readDone)
	defer close(p.frames)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.readErr = err
			return
		}
		p.extendRead()

		resp, err := protocol.DecodeResponse(data)
		if err != nil {
			logging.LogWarn("Ignoring undecodable server frame", zap.Error(err))
			continue
		}
		select {
		case p.frames <- inboundFrame{resp: resp}:
		case <-p.closed:
			p.readErr = ErrClosed
			return
		}
	}
}

func (p *Proxy) pingLoop() {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.readDone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(p.sendTimeout())
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (p *Proxy) sendTimeout() time.Duration {
	if p.cfg.SendTimeout > 0 {
		return p.cfg.SendTimeout
	}
	return 30 * time.Second
}

func (p *Proxy) write(op string, c protocol.Control) error {
	data, err := protocol.EncodeControl(c)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.sendTimeout())); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

// Submit sends one transcribe frame and reads until the job ends. onFrame,
// if set, sees every frame of the job including the terminal one.
//
// Cancelling ctx sends a stop request and keeps waiting up to CloseGrace for
// the server to end the job. If it does not, the channel is dropped and the
// proxy is unusable from then on.
func (p *Proxy) Submit(ctx context.Context, req Request, onFrame func(protocol.Response)) (Outcome, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return OutcomeFailed, ErrBusy
	}
	select {
	case <-p.closed:
		p.busy.Store(false)
		return OutcomeConnectionLost, ErrClosed
	default:
	}
	done := make(chan struct{})
	p.jobMu.Lock()
	p.jobDone = done
	p.jobMu.Unlock()
	defer func() {
		close(done)
		p.busy.Store(false)
	}()

	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("read audio: %w", err)
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = filepath.Base(req.AudioPath)
	}
	model := req.Model
	if model == "" {
		model = protocol.ModelGeneral
	}

	err = p.write("send transcribe", protocol.Control{
		Type: protocol.ControlTranscribe,
		Transcribe: &protocol.TranscriptionRequest{
			Audio:     audio,
			Model:     model,
			SaveAudio: req.SaveAudio,
			FileName:  fileName,
		},
	})
	if err != nil {
		return OutcomeConnectionLost, err
	}

	var grace <-chan time.Time
	cancelled := ctx.Done()
	for {
		select {
		case <-cancelled:
			cancelled = nil
			if err := p.RequestStop(); err != nil {
				return OutcomeConnectionLost, err
			}
			timer := time.NewTimer(p.cfg.CloseGrace)
			defer timer.Stop()
			grace = timer.C

		case <-grace:
			// The server may still deliver frames of this job; nothing on
			// this channel can be trusted any more.
			p.abandon()
			return OutcomeConnectionLost, &TransportError{Op: "await stop", Err: ctx.Err()}

		case f, ok := <-p.frames:
			if !ok {
				return OutcomeConnectionLost, &TransportError{Op: "read", Err: p.readErr}
			}
			if onFrame != nil {
				onFrame(f.resp)
			}
			if !f.resp.Terminal() {
				continue
			}
			switch f.resp.Type {
			case protocol.ResponseFinal:
				return OutcomeCompleted, nil
			case protocol.ResponseError:
				return OutcomeFailed, &ServerError{Message: f.resp.Error}
			default:
				// stopped, or the bare done sentinel of a job the server ended
				return OutcomeStopped, nil
			}
		}
	}
}

// RequestStop asks the server to stop the running job. It may race with
// completion, in which case the server ignores it.
func (p *Proxy) RequestStop() error {
	return p.write("send stop", protocol.Control{Type: protocol.ControlStop})
}

// Close sends stop, waits up to CloseGrace for a running job to end and for
// the server to acknowledge the close handshake, then closes the channel
// regardless.
func (p *Proxy) Close() error {
	var err error
	p.closeOnce.Do(func() {
		deadline := time.Now().Add(p.cfg.CloseGrace)

		if stopErr := p.RequestStop(); stopErr == nil && p.busy.Load() {
			p.jobMu.Lock()
			done := p.jobDone
			p.jobMu.Unlock()
			waitUntil(done, deadline)
		}

		p.writeMu.Lock()
		select {
		case <-p.closed:
		default:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		}
		p.writeMu.Unlock()

		p.shutdown()
		waitUntil(p.readDone, deadline)
		err = p.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// shutdown stops further writes and frame delivery
func (p *Proxy) shutdown() {
	p.shutOnce.Do(func() {
		p.writeMu.Lock()
		close(p.closed)
		p.writeMu.Unlock()
	})
}

// abandon drops the transport without a close handshake
func (p *Proxy) abandon() {
	p.shutdown()
	_ = p.conn.Close()
}

func waitUntil(ch <-chan struct{}, deadline time.Time) {
	if ch == nil {
		return
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
}
