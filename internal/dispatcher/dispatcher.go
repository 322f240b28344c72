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

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/engine"
	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/scratch"
	"github.com/loqalabs/loqa-scribe/internal/security"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"go.uber.org/zap"
)

const recordTimeout = 5 * time.Second

// Sender delivers response frames to one connection. Implementations bound
// every call with a write deadline.
type Sender interface {
	Send(r protocol.Response) error
}

// Recorder stores or publishes finished jobs
type Recorder interface {
	RecordJob(ctx context.Context, event *events.JobEvent)
}

// FeedbackSaver keeps payloads submitted with save_audio
type FeedbackSaver interface {
	SaveFeedback(ctx context.Context, sample events.FeedbackSample) error
}

// Observer receives dispatch counters
type Observer interface {
	FrameSent(t protocol.ResponseType)
	SendFailed()
	DecodeFailed()
	JobFinished(o Outcome)
}

// Config wires a Dispatcher
type Config struct {
	Engine       engine.Engine
	Scratch      *scratch.Store
	EngineConfig config.EngineConfig
	Feedback     FeedbackSaver // optional
	Recorder     Recorder      // optional
	Observer     Observer      // optional
}

// Dispatcher runs the per-connection protocol state machine
type Dispatcher struct {
	cfg Config
}

// New creates a Dispatcher
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Engine == nil {
		return nil, errors.New("dispatcher: engine is required")
	}
	if cfg.Scratch == nil {
		return nil, errors.New("dispatcher: scratch store is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Dispatcher{cfg: cfg}, nil
}

type updateKind int

const (
	updateStarted updateKind = iota
	updateSegment
	updateExhausted
	updateFailed
)

type update struct {
	kind    updateKind
	summary engine.Summary
	segment engine.Segment
	err     error
}

// job is the state of the one in-flight job of a connection
type job struct {
	event        *events.JobEvent
	file         *scratch.File
	cancel       context.CancelFunc
	updates      chan update
	duration     time.Duration
	progress     int
	terminalSent bool
}

func (j *job) post(ctx context.Context, u update) bool {
	select {
	case j.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

type connection struct {
	d      *Dispatcher
	sess   *session.Session
	out    Sender
	job    *job
	broken bool
}

// Serve multiplexes inbound control frames and engine updates for one
// connection until inbound is closed, ctx is done, or a frame cannot be
// delivered. The returned error is nil or a *TransportError.
//
// The caller owns the reader goroutine feeding inbound; Serve is the only
// writer on out.
func (d *Dispatcher) Serve(ctx context.Context, sess *session.Session, inbound <-chan []byte, out Sender) error {
	c := &connection{d: d, sess: sess, out: out}

	for {
		var updates <-chan update
		if c.job != nil {
			updates = c.job.updates
		}

		select {
		case <-ctx.Done():
			c.finish(OutcomeAbandoned, ctx.Err())
			return nil

		case data, ok := <-inbound:
			if !ok {
				c.broken = true
				c.finish(OutcomeAbandoned, errors.New("connection closed"))
				return nil
			}
			sess.Touch()
			if err := c.handleFrame(ctx, data); err != nil {
				return err
			}

		case u := <-updates:
			if err := c.handleUpdate(u); err != nil {
				return err
			}
		}
	}
}

func (c *connection) handleFrame(ctx context.Context, data []byte) error {
	ctrl, err := protocol.DecodeControl(data)
	if err != nil {
		c.d.cfg.Observer.DecodeFailed()
		logging.LogWarn("Rejected client frame",
			zap.String("session_id", c.sess.ID()),
			zap.String("reason", security.SanitizeLogInput(err.Error())),
		)
		if c.job != nil {
			return c.fail(err)
		}
		return c.write(protocol.ErrorFrame(err.Error()))
	}

	switch ctrl.Type {
	case protocol.ControlStop:
		if c.job == nil {
			logging.LogSessionEvent(c.sess.ID(), "stop_ignored")
			return nil
		}
		c.sess.RequestStop()
		logging.LogJobEvent(c.job.event, "Stop requested")
		return nil

	case protocol.ControlTranscribe:
		// A second request is a protocol violation; it ends the running job
		// so the client still sees exactly one terminal frame for it.
		if c.job != nil {
			return c.fail(session.ErrJobActive)
		}
		return c.submit(ctx, ctrl.Transcribe)
	}
	return nil
}

func (c *connection) submit(ctx context.Context, req *protocol.TranscriptionRequest) error {
	ev := events.NewJobEvent(c.sess.ID(), security.SanitizeFileName(req.FileName), string(req.Model))
	ev.Backend = c.d.cfg.Engine.Name()
	ev.SetAudio(req.Audio)

	if err := c.sess.BeginJob(ev.JobID); err != nil {
		return c.write(protocol.ErrorFrame(err.Error()))
	}
	c.job = &job{event: ev, updates: make(chan update)}

	logging.LogJobEvent(ev, "Job submitted",
		zap.String("session_id", c.sess.ID()),
		zap.String("file_name", ev.FileName),
		zap.String("model", ev.Model),
		zap.Int64("audio_bytes", ev.AudioSize),
		zap.Bool("save_audio", req.SaveAudio),
	)

	file, err := c.d.cfg.Scratch.Put(ev.JobID, req.FileName, req.Audio)
	if err != nil {
		return c.fail(fmt.Errorf("store audio: %w", err))
	}
	c.job.file = file

	if req.SaveAudio {
		c.saveFeedback(ctx, ev, req)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.job.cancel = cancel
	opts := engine.OptionsFromConfig(c.d.cfg.EngineConfig, req.Model)
	go c.d.work(workerCtx, c.job, file.Path(), opts)
	return nil
}

func (c *connection) saveFeedback(ctx context.Context, ev *events.JobEvent, req *protocol.TranscriptionRequest) {
	if c.d.cfg.Feedback == nil {
		logging.LogWarn("Feedback storage not configured; payload not kept", zap.String("job_id", ev.JobID))
		return
	}

	sample := events.FeedbackSample{
		JobID:     ev.JobID,
		SessionID: ev.SessionID,
		FileName:  ev.FileName,
		Model:     ev.Model,
		Audio:     req.Audio,
		Timestamp: time.Now(),
	}
	if err := c.d.cfg.Feedback.SaveFeedback(ctx, sample); err != nil {
		logging.LogError(err, "Failed to save feedback sample", zap.String("job_id", ev.JobID))
		return
	}
	ev.SavedForFeedback = true
}

// work drives the engine on its own goroutine. It stops producing as soon as
// ctx is cancelled and always closes the transcription it opened.
func (d *Dispatcher) work(ctx context.Context, j *job, path string, opts engine.Options) {
	tr, err := d.cfg.Engine.Run(ctx, path, opts)
	if err != nil {
		j.post(ctx, update{kind: updateFailed, err: engine.NewError(d.cfg.Engine.Name(), "run", err)})
		return
	}
	defer func() { _ = tr.Close() }()

	if !j.post(ctx, update{kind: updateStarted, summary: tr.Summary()}) {
		return
	}

	for {
		seg, err := tr.Next(ctx)
		if errors.Is(err, io.EOF) {
			j.post(ctx, update{kind: updateExhausted})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				j.post(ctx, update{kind: updateFailed, err: engine.NewError(d.cfg.Engine.Name(), "next", err)})
			}
			return
		}
		if !j.post(ctx, update{kind: updateSegment, segment: seg}) {
			return
		}
	}
}

func (c *connection) handleUpdate(u update) error {
	j := c.job

	switch u.kind {
	case updateStarted:
		j.duration = u.summary.Duration
		j.event.SetSummary(u.summary.Language, u.summary.LanguageProbability, u.summary.Duration)
		return c.send(protocol.Info(
			u.summary.Language,
			u.summary.LanguageProbability,
			protocol.DurationLabel(u.summary.Duration),
		))

	case updateSegment:
		if c.sess.StopRequested() {
			return c.stop()
		}
		seg := u.segment
		j.event.AddSegment(seg.Text)
		if p := protocol.Progress(seg.End, j.duration); p > j.progress {
			j.progress = p
		}
		return c.send(protocol.SegmentProgress(protocol.TimeLine(seg.Start, seg.End, seg.Text), seg.Text, j.progress))

	case updateExhausted:
		if c.sess.StopRequested() {
			return c.stop()
		}
		if err := c.send(protocol.Final(j.event.Transcription)); err != nil {
			return err
		}
		c.finish(OutcomeCompleted, nil)
		return nil

	case updateFailed:
		return c.fail(u.err)
	}
	return nil
}

func (c *connection) stop() error {
	if err := c.send(protocol.Stopped()); err != nil {
		return err
	}
	c.finish(OutcomeStopped, nil)
	return nil
}

func (c *connection) fail(cause error) error {
	c.job.event.SetError(cause)
	if err := c.send(protocol.ErrorFrame(cause.Error())); err != nil {
		return err
	}
	c.finish(OutcomeFailed, cause)
	return nil
}

// send writes a frame belonging to the current job
func (c *connection) send(r protocol.Response) error {
	if err := c.write(r); err != nil {
		return err
	}
	if r.Terminal() && c.job != nil {
		c.job.terminalSent = true
	}
	return nil
}

// write delivers one frame. A failure marks the connection broken and
// abandons the current job without any further write attempts.
func (c *connection) write(r protocol.Response) error {
	if c.broken {
		return &TransportError{Frame: r.Type, Err: errors.New("connection already broken")}
	}
	if err := c.out.Send(r); err != nil {
		c.broken = true
		c.d.cfg.Observer.SendFailed()
		terr := &TransportError{Frame: r.Type, Err: err}
		logging.LogWarn("Frame delivery failed",
			zap.String("session_id", c.sess.ID()),
			zap.Error(err),
		)
		c.finish(OutcomeAbandoned, terr)
		return terr
	}
	c.d.cfg.Observer.FrameSent(r.Type)
	return nil
}

// finish runs on every terminal path of a job. It stops the worker, releases
// the scratch file, sends the bare done sentinel when nothing terminal reached
// a still open channel and records the outcome. The session's job slot is
// freed last.
func (c *connection) finish(outcome Outcome, cause error) {
	j := c.job
	if j == nil {
		return
	}
	c.job = nil

	if j.cancel != nil {
		j.cancel()
	}
	if j.file != nil {
		_ = j.file.Release()
	}

	if !j.terminalSent && !c.broken {
		if err := c.out.Send(protocol.Ack()); err != nil {
			c.broken = true
			c.d.cfg.Observer.SendFailed()
		} else {
			c.d.cfg.Observer.FrameSent(protocol.ResponseAck)
		}
	}

	if cause != nil && j.event.ErrorMessage == "" {
		j.event.ErrorMessage = cause.Error()
	}
	j.event.Finish(outcome.Status())

	logging.LogJobEvent(j.event, "Job finished",
		zap.String("session_id", c.sess.ID()),
		zap.String("outcome", outcome.String()),
		zap.Int("segments", j.event.SegmentCount),
		zap.Int64("processing_time_ms", j.event.ProcessingTime),
	)

	if c.d.cfg.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		c.d.cfg.Recorder.RecordJob(ctx, j.event)
		cancel()
	}
	c.d.cfg.Observer.JobFinished(outcome)
	c.sess.EndJob()
}

type nopObserver struct{}

func (nopObserver) FrameSent(protocol.ResponseType) {}
func (nopObserver) SendFailed()                     {}
func (nopObserver) DecodeFailed()                   {}
func (nopObserver) JobFinished(Outcome)             {}
