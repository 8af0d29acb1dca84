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

package serial

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
	"go.bug.st/serial"
)

const Family = "serial"

type port interface {
	Read(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// Driver streams bytes from a serial line. With a delimiter configured,
// frames are split on it; otherwise each read becomes a frame.
type Driver struct {
	path      string
	mode      *serial.Mode
	topic     string
	delimiter []byte
	encoding  string
	maxFrame  int
	readTick  time.Duration
	openPort  func(path string, mode *serial.Mode) (port, error)
	logger    *slog.Logger

	port port
	buf  []byte
}

func New(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	parity, err := parseParity(cfg.Serial.Parity)
	if err != nil {
		return nil, err
	}
	stop, err := parseStopBits(cfg.Serial.StopBits)
	if err != nil {
		return nil, err
	}
	encoding := strings.ToLower(cfg.Options["encoding"])
	switch encoding {
	case "":
		encoding = "text"
	case "text", "hex":
	default:
		return nil, fmt.Errorf("unknown serial encoding %q", encoding)
	}

	topic := cfg.Options["topic"]
	if topic == "" {
		topic = cfg.Name
	}
	d := &Driver{
		path: cfg.Address,
		mode: &serial.Mode{
			BaudRate: cfg.Serial.Baud,
			DataBits: cfg.Serial.DataBits,
			Parity:   parity,
			StopBits: stop,
		},
		topic:    topic,
		encoding: encoding,
		maxFrame: 4096,
		readTick: 200 * time.Millisecond,
		openPort: func(path string, mode *serial.Mode) (port, error) {
			p, err := serial.Open(path, mode)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		logger: logger,
	}
	if delim, ok := cfg.Options["delimiter"]; ok && delim != "" {
		d.delimiter = []byte(unescape(delim))
	}
	return d, nil
}

func unescape(s string) string {
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t").Replace(s)
}

func parseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return serial.NoParity, nil
	case "odd", "o":
		return serial.OddParity, nil
	case "even", "e":
		return serial.EvenParity, nil
	case "mark":
		return serial.MarkParity, nil
	case "space":
		return serial.SpaceParity, nil
	}
	return 0, fmt.Errorf("unknown parity %q", s)
}

func parseStopBits(n int) (serial.StopBits, error) {
	switch n {
	case 0, 1:
		return serial.OneStopBit, nil
	case 2:
		return serial.TwoStopBits, nil
	}
	return 0, fmt.Errorf("unsupported stop bits %d", n)
}

func (d *Driver) Open(ctx context.Context) error {
	p, err := d.openPort(d.path, d.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.path, err)
	}
	if err := p.SetReadTimeout(d.readTick); err != nil {
		p.Close()
		return fmt.Errorf("set read timeout on %s: %w", d.path, err)
	}
	d.port = p
	d.buf = d.buf[:0]
	return nil
}

// Next blocks in short reads so cancellation is observed within one read
// timeout.
func (d *Driver) Next(ctx context.Context) (connector.Frame, error) {
	chunk := make([]byte, 512)
	for {
		if f, ok := d.split(); ok {
			return f, nil
		}
		if err := ctx.Err(); err != nil {
			return connector.Frame{}, err
		}
		n, err := d.port.Read(chunk)
		if err != nil {
			return connector.Frame{}, fmt.Errorf("read %s: %w", d.path, err)
		}
		if n == 0 {
			continue
		}
		if d.delimiter == nil {
			return d.frame(chunk[:n]), nil
		}
		d.buf = append(d.buf, chunk[:n]...)
	}
}

func (d *Driver) split() (connector.Frame, bool) {
	if d.delimiter == nil || len(d.buf) == 0 {
		return connector.Frame{}, false
	}
	if i := bytes.Index(d.buf, d.delimiter); i >= 0 {
		f := d.frame(d.buf[:i])
		d.buf = append(d.buf[:0], d.buf[i+len(d.delimiter):]...)
		return f, true
	}
	if len(d.buf) >= d.maxFrame {
		f := d.frame(d.buf)
		d.buf = d.buf[:0]
		return f, true
	}
	return connector.Frame{}, false
}

func (d *Driver) frame(data []byte) connector.Frame {
	return connector.Frame{Topic: d.topic, Data: append([]byte(nil), data...), At: time.Now()}
}

func (d *Driver) Decode(f connector.Frame) (core.Message, error) {
	if d.encoding == "hex" {
		return core.TextMessage(f.Topic, hex.EncodeToString(f.Data)), nil
	}
	text := strings.TrimRight(string(f.Data), "\r\n")
	if text == "" {
		return core.Message{}, fmt.Errorf("empty frame")
	}
	if json.Valid([]byte(text)) {
		return core.Message{Topic: f.Topic, Payload: json.RawMessage(text)}, nil
	}
	return core.TextMessage(f.Topic, text), nil
}

func (d *Driver) Close() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}
