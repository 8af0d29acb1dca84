// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

// Frame is one unit of raw data read from a field link.
type Frame struct {
	Topic string
	Data  []byte
	Value any
	At    time.Time
}

// Driver is the protocol-specific part of a connector. Open and Next may
// block; both must return once ctx is done.
type Driver interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (Frame, error)
	// Decode normalises a frame into a hub message. An error drops the frame
	// but keeps the link up.
	Decode(f Frame) (core.Message, error)
	Close() error
}

// JSONPayload returns data unchanged when it is valid JSON and as a JSON
// string otherwise.
func JSONPayload(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(append([]byte(nil), data...))
	}
	s, _ := json.Marshal(string(data))
	return s
}

// Inbox buffers frames pushed by callback-driven clients until Next.
type Inbox struct {
	frames chan Frame
	errs   chan error
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = 256
	}
	return &Inbox{
		frames: make(chan Frame, size),
		errs:   make(chan error, 1),
	}
}

// Push adds f without blocking and reports false if the inbox is full.
func (i *Inbox) Push(f Frame) bool {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	select {
	case i.frames <- f:
		return true
	default:
		return false
	}
}

// Fail makes the next call to Next return err. Only the first failure is kept.
func (i *Inbox) Fail(err error) {
	select {
	case i.errs <- err:
	default:
	}
}

func (i *Inbox) Next(ctx context.Context) (Frame, error) {
	select {
	case f := <-i.frames:
		return f, nil
	case err := <-i.errs:
		return Frame{}, err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// PassThrough decodes a frame whose topic and body come straight from a
// broker message.
func PassThrough(f Frame) (core.Message, error) {
	if f.Topic == "" {
		return core.Message{}, errors.New("frame has no topic")
	}
	return core.Message{Topic: f.Topic, Payload: JSONPayload(f.Data)}, nil
}
