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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// JSON Frame Protocol over a single websocket channel.
// The client sends control frames, the server answers with response frames
// until exactly one terminal frame (done:true) closes the job.

// ControlType identifies a client to server frame
type ControlType string

const (
	ControlTranscribe ControlType = "transcribe"
	ControlStop       ControlType = "stop"
)

// ModelSelector picks which configured recognition model runs a job
type ModelSelector string

const (
	ModelGeneral ModelSelector = "general"
	ModelTuned   ModelSelector = "tuned"
)

// Display labels of the upload form, accepted on the wire as aliases
const (
	ModelGeneralLabel = "汎用モデル"
	ModelTunedLabel   = "チューニングモデル"
)

// ParseModelSelector maps a wire value onto a ModelSelector
func ParseModelSelector(value string) (ModelSelector, bool) {
	switch strings.TrimSpace(value) {
	case string(ModelGeneral), ModelGeneralLabel:
		return ModelGeneral, true
	case string(ModelTuned), ModelTunedLabel:
		return ModelTuned, true
	default:
		return "", false
	}
}

// TranscriptionRequest is the decoded payload of a transcribe frame
type TranscriptionRequest struct {
	Audio     []byte
	Model     ModelSelector
	SaveAudio bool
	FileName  string
}

// Control is a decoded client frame. Transcribe is set only for
// ControlTranscribe.
type Control struct {
	Type       ControlType
	Transcribe *TranscriptionRequest
}

// DecodeError reports a client frame that could not be turned into a Control
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "invalid frame"
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type wireControl struct {
	Type      string  `json:"type"`
	Audio     *string `json:"audio,omitempty"`
	Model     *string `json:"model,omitempty"`
	SaveAudio *bool   `json:"save_audio,omitempty"`
	FileName  *string `json:"file_name,omitempty"`
}

// DecodeControl parses one client frame
func DecodeControl(data []byte) (Control, error) {
	var wire wireControl
	if err := json.Unmarshal(data, &wire); err != nil {
		return Control{}, &DecodeError{Reason: "malformed JSON", Err: err}
	}

	switch ControlType(wire.Type) {
	case ControlStop:
		return Control{Type: ControlStop}, nil
	case ControlTranscribe:
		req, err := decodeTranscribe(wire)
		if err != nil {
			return Control{}, err
		}
		return Control{Type: ControlTranscribe, Transcribe: req}, nil
	case "":
		return Control{}, &DecodeError{Field: "type", Reason: "missing"}
	default:
		return Control{}, &DecodeError{Field: "type", Reason: fmt.Sprintf("unknown frame type %q", wire.Type)}
	}
}

func decodeTranscribe(wire wireControl) (*TranscriptionRequest, error) {
	if wire.Audio == nil {
		return nil, &DecodeError{Field: "audio", Reason: "missing"}
	}
	if wire.Model == nil {
		return nil, &DecodeError{Field: "model", Reason: "missing"}
	}
	if wire.FileName == nil {
		return nil, &DecodeError{Field: "file_name", Reason: "missing"}
	}

	audio, err := base64.StdEncoding.DecodeString(*wire.Audio)
	if err != nil {
		return nil, &DecodeError{Field: "audio", Reason: "invalid base64", Err: err}
	}
	if len(audio) == 0 {
		return nil, &DecodeError{Field: "audio", Reason: "empty payload"}
	}

	model, ok := ParseModelSelector(*wire.Model)
	if !ok {
		return nil, &DecodeError{Field: "model", Reason: fmt.Sprintf("unknown model %q", *wire.Model)}
	}

	req := &TranscriptionRequest{
		Audio:    audio,
		Model:    model,
		FileName: *wire.FileName,
	}
	if wire.SaveAudio != nil {
		req.SaveAudio = *wire.SaveAudio
	}
	return req, nil
}

// EncodeControl renders a client frame
func EncodeControl(c Control) ([]byte, error) {
	switch c.Type {
	case ControlStop:
		return marshal(wireControl{Type: string(ControlStop)})
	case ControlTranscribe:
		if c.Transcribe == nil {
			return nil, fmt.Errorf("transcribe frame without request")
		}
		audio := base64.StdEncoding.EncodeToString(c.Transcribe.Audio)
		model := string(c.Transcribe.Model)
		save := c.Transcribe.SaveAudio
		name := c.Transcribe.FileName
		return marshal(wireControl{
			Type:      string(ControlTranscribe),
			Audio:     &audio,
			Model:     &model,
			SaveAudio: &save,
			FileName:  &name,
		})
	default:
		return nil, fmt.Errorf("unknown control type %q", c.Type)
	}
}
