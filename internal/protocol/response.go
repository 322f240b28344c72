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

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ResponseType identifies a server to client frame
type ResponseType string

const (
	ResponseInfo    ResponseType = "info"
	ResponseSegment ResponseType = "segment"
	ResponseFinal   ResponseType = "final"
	ResponseStopped ResponseType = "stopped"
	ResponseError   ResponseType = "error"
	// ResponseAck is the bare {"done":true} sentinel sent when a job ends
	// without any other terminal frame reaching the client.
	ResponseAck ResponseType = ""
)

// Response is a server frame. Only the fields belonging to Type are encoded.
type Response struct {
	Type ResponseType

	// info
	Language            string
	LanguageProbability float64
	Length              string

	// segment
	TimeLine string
	Progress int

	// segment text, or the accumulated result of a final frame
	Text string

	// error
	Error string
}

// Terminal reports whether the frame ends a job
func (r Response) Terminal() bool {
	switch r.Type {
	case ResponseFinal, ResponseStopped, ResponseError, ResponseAck:
		return true
	default:
		return false
	}
}

// Info builds the summary frame sent once per job before any segment
func Info(language string, probability float64, length string) Response {
	return Response{Type: ResponseInfo, Language: language, LanguageProbability: probability, Length: length}
}

// SegmentProgress builds a per-segment frame
func SegmentProgress(timeLine, text string, progress int) Response {
	return Response{Type: ResponseSegment, TimeLine: timeLine, Text: text, Progress: progress}
}

// Final builds the completion frame carrying the full text
func Final(result string) Response {
	return Response{Type: ResponseFinal, Text: result}
}

// Stopped builds the cancellation frame
func Stopped() Response {
	return Response{Type: ResponseStopped}
}

// ErrorFrame builds a failure frame
func ErrorFrame(message string) Response {
	return Response{Type: ResponseError, Error: message}
}

// Ack builds the bare done sentinel
func Ack() Response {
	return Response{Type: ResponseAck}
}

type wireData struct {
	TimeLine *string `json:"time_line,omitempty"`
	Text     *string `json:"text,omitempty"`
	Result   *string `json:"result,omitempty"`
}

type wireResponse struct {
	Type                string    `json:"type,omitempty"`
	Language            *string   `json:"language,omitempty"`
	LanguageProbability *float64  `json:"language_probability,omitempty"`
	Length              *string   `json:"length,omitempty"`
	Data                *wireData `json:"data,omitempty"`
	Progress            *int      `json:"progress,omitempty"`
	Error               *string   `json:"error,omitempty"`
	Done                bool      `json:"done"`
}

// EncodeResponse renders a server frame
func EncodeResponse(r Response) ([]byte, error) {
	wire := wireResponse{Type: string(r.Type), Done: r.Terminal()}

	switch r.Type {
	case ResponseInfo:
		wire.Language = &r.Language
		wire.LanguageProbability = &r.LanguageProbability
		wire.Length = &r.Length
	case ResponseSegment:
		wire.Data = &wireData{TimeLine: &r.TimeLine, Text: &r.Text}
		wire.Progress = &r.Progress
	case ResponseFinal:
		wire.Data = &wireData{Result: &r.Text}
	case ResponseError:
		wire.Error = &r.Error
	case ResponseStopped, ResponseAck:
	default:
		return nil, fmt.Errorf("unknown response type %q", r.Type)
	}

	return marshal(wire)
}

// DecodeResponse parses a server frame
func DecodeResponse(data []byte) (Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, &DecodeError{Reason: "malformed JSON", Err: err}
	}

	r := Response{Type: ResponseType(wire.Type)}
	switch r.Type {
	case ResponseInfo:
		if wire.Language != nil {
			r.Language = *wire.Language
		}
		if wire.LanguageProbability != nil {
			r.LanguageProbability = *wire.LanguageProbability
		}
		if wire.Length != nil {
			r.Length = *wire.Length
		}
	case ResponseSegment:
		if wire.Data == nil || wire.Progress == nil {
			return Response{}, &DecodeError{Field: "data", Reason: "segment without data or progress"}
		}
		if wire.Data.TimeLine != nil {
			r.TimeLine = *wire.Data.TimeLine
		}
		if wire.Data.Text != nil {
			r.Text = *wire.Data.Text
		}
		r.Progress = *wire.Progress
	case ResponseFinal:
		if wire.Data == nil || wire.Data.Result == nil {
			return Response{}, &DecodeError{Field: "data", Reason: "final without result"}
		}
		r.Text = *wire.Data.Result
	case ResponseError:
		if wire.Error != nil {
			r.Error = *wire.Error
		}
	case ResponseStopped:
	case ResponseAck:
		if !wire.Done {
			return Response{}, &DecodeError{Field: "type", Reason: "missing"}
		}
	default:
		return Response{}, &DecodeError{Field: "type", Reason: fmt.Sprintf("unknown frame type %q", wire.Type)}
	}

	return r, nil
}

// marshal encodes without HTML escaping so "->" in time lines stays readable
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
