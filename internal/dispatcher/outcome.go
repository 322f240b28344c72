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
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/events"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Outcome is how a job ended
type Outcome int

const (
	// OutcomeCompleted means the sequence was exhausted and a final frame sent
	OutcomeCompleted Outcome = iota
	// OutcomeStopped means a stop request was honored at a segment boundary
	OutcomeStopped
	// OutcomeFailed means an error frame ended the job
	OutcomeFailed
	// OutcomeAbandoned means the job ended without a terminal content frame,
	// usually because the connection went away
	OutcomeAbandoned
)

func (o Outcome) String() string {
	return string(o.Status())
}

// Status maps the outcome onto the persisted job status
func (o Outcome) Status() events.JobStatus {
	switch o {
	case OutcomeCompleted:
		return events.JobCompleted
	case OutcomeStopped:
		return events.JobStopped
	case OutcomeFailed:
		return events.JobFailed
	default:
		return events.JobAbandoned
	}
}

// TransportError reports a frame that could not be delivered. The connection
// is unusable afterwards.
type TransportError struct {
	Frame protocol.ResponseType
	Err   error
}

func (e *TransportError) Error() string {
	name := string(e.Frame)
	if name == "" {
		name = "ack"
	}
	return fmt.Sprintf("send %s frame: %v", name, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
