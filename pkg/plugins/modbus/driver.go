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

package modbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mb "github.com/simonvetter/modbus"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

const (
	FamilyTCP = "modbus_tcp"
	FamilyRTU = "modbus_rtu"
)

const (
	tableCoils          = "coils"
	tableDiscreteInputs = "discrete_inputs"
	tableHolding        = "holding"
	tableInput          = "input"
)

// client is the subset of *mb.ModbusClient the driver uses.
type client interface {
	Open() error
	Close() error
	SetUnitId(id uint8) error
	ReadCoils(addr uint16, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(addr uint16, quantity uint16) ([]bool, error)
	ReadRegisters(addr uint16, quantity uint16, regType mb.RegType) ([]uint16, error)
}

// Reading is the payload published for one poll block.
type Reading struct {
	Unit    uint8  `json:"unit"`
	Table   string `json:"table"`
	Address uint16 `json:"address"`
	Values  any    `json:"values"`
}

// Driver polls a fixed set of register blocks every interval.
type Driver struct {
	name      string
	interval  time.Duration
	blocks    []config.PollBlock
	newClient func() (client, error)
	logger    *slog.Logger

	client  client
	pending []connector.Frame
	nextAt  time.Time
}

func NewTCP(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	url := cfg.Address
	if !strings.Contains(url, "://") {
		url = "tcp://" + url
	}
	d, err := newDriver(cfg, &mb.ClientConfiguration{
		URL:     url,
		Timeout: cfg.Timeout.Std(),
	}, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func NewRTU(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	parity, err := parseParity(cfg.Serial.Parity)
	if err != nil {
		return nil, err
	}
	url := cfg.Address
	if !strings.Contains(url, "://") {
		url = "rtu://" + url
	}
	d, err := newDriver(cfg, &mb.ClientConfiguration{
		URL:      url,
		Speed:    uint(cfg.Serial.Baud),
		DataBits: uint(cfg.Serial.DataBits),
		Parity:   parity,
		StopBits: uint(cfg.Serial.StopBits),
		Timeout:  cfg.Timeout.Std(),
	}, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func newDriver(cfg config.ConnectorConfig, mc *mb.ClientConfiguration, logger *slog.Logger) (*Driver, error) {
	if len(cfg.Poll) == 0 {
		return nil, fmt.Errorf("modbus connector needs at least one poll block")
	}
	for _, b := range cfg.Poll {
		if _, err := tableOf(b.Table); err != nil {
			return nil, err
		}
	}
	return &Driver{
		name:     cfg.Name,
		interval: cfg.Interval.Std(),
		blocks:   cfg.Poll,
		newClient: func() (client, error) {
			c, err := mb.NewClient(mc)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		logger: logger,
	}, nil
}

func parseParity(s string) (uint, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return mb.PARITY_NONE, nil
	case "even", "e":
		return mb.PARITY_EVEN, nil
	case "odd", "o":
		return mb.PARITY_ODD, nil
	}
	return 0, fmt.Errorf("unknown parity %q", s)
}

func tableOf(s string) (string, error) {
	switch strings.ToLower(s) {
	case "coil", tableCoils:
		return tableCoils, nil
	case "discrete", "discrete_input", tableDiscreteInputs:
		return tableDiscreteInputs, nil
	case "", tableHolding, "holding_registers":
		return tableHolding, nil
	case tableInput, "input_registers":
		return tableInput, nil
	}
	return "", fmt.Errorf("unknown modbus table %q", s)
}

func (d *Driver) Open(ctx context.Context) error {
	c, err := d.newClient()
	if err != nil {
		return fmt.Errorf("modbus client: %w", err)
	}
	if err := c.Open(); err != nil {
		return fmt.Errorf("modbus open: %w", err)
	}
	d.client = c
	d.pending = nil
	d.nextAt = time.Now()
	return nil
}

// Next returns one frame per poll block, reading all blocks each interval.
// Any read error drops the link.
func (d *Driver) Next(ctx context.Context) (connector.Frame, error) {
	if len(d.pending) == 0 {
		if err := d.waitTick(ctx); err != nil {
			return connector.Frame{}, err
		}
		frames, err := d.poll()
		if err != nil {
			return connector.Frame{}, err
		}
		d.pending = frames
	}
	f := d.pending[0]
	d.pending = d.pending[1:]
	return f, nil
}

func (d *Driver) waitTick(ctx context.Context) error {
	wait := time.Until(d.nextAt)
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	d.nextAt = d.nextAt.Add(d.interval)
	if now := time.Now(); d.nextAt.Before(now) {
		d.nextAt = now.Add(d.interval)
	}
	return nil
}

func (d *Driver) poll() ([]connector.Frame, error) {
	now := time.Now()
	frames := make([]connector.Frame, 0, len(d.blocks))
	for _, b := range d.blocks {
		table, _ := tableOf(b.Table)
		if err := d.client.SetUnitId(b.Unit); err != nil {
			return nil, fmt.Errorf("modbus unit %d: %w", b.Unit, err)
		}

		var values any
		var err error
		switch table {
		case tableCoils:
			values, err = d.client.ReadCoils(b.Address, b.Count)
		case tableDiscreteInputs:
			values, err = d.client.ReadDiscreteInputs(b.Address, b.Count)
		case tableInput:
			values, err = d.client.ReadRegisters(b.Address, b.Count, mb.INPUT_REGISTER)
		default:
			values, err = d.client.ReadRegisters(b.Address, b.Count, mb.HOLDING_REGISTER)
		}
		if err != nil {
			return nil, fmt.Errorf("modbus read %s@%d unit %d: %w", table, b.Address, b.Unit, err)
		}

		topic := b.Topic
		if topic == "" {
			topic = fmt.Sprintf("%s/%s/%d", d.name, table, b.Address)
		}
		frames = append(frames, connector.Frame{
			Topic: topic,
			Value: Reading{Unit: b.Unit, Table: table, Address: b.Address, Values: values},
			At:    now,
		})
	}
	return frames, nil
}

func (d *Driver) Decode(f connector.Frame) (core.Message, error) {
	r, ok := f.Value.(Reading)
	if !ok {
		return core.Message{}, fmt.Errorf("unexpected modbus frame %T", f.Value)
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return core.Message{}, fmt.Errorf("encode modbus reading: %w", err)
	}
	return core.Message{Topic: f.Topic, Payload: payload}, nil
}

func (d *Driver) Close() error {
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}
