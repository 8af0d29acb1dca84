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

package amqp10

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

const Family = "amqp10"

type receiver interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	ReleaseMessage(ctx context.Context, msg *amqp.Message) error
}

// Driver receives from AMQP 1.0 addresses (queues or topics on brokers
// such as Artemis or Azure Service Bus). One link is opened per address.
type Driver struct {
	name      string
	url       string
	addresses []string
	username  string
	password  string
	credit    int32
	logger    *slog.Logger

	conn   *amqp.Conn
	cancel context.CancelFunc
	inbox  *connector.Inbox
	wg     sync.WaitGroup
}

func New(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("amqp10 connector needs at least one address")
	}
	addrs := make([]string, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		addrs = append(addrs, t.Topic)
	}
	return &Driver{
		name:      cfg.Name,
		url:       cfg.Address,
		addresses: addrs,
		username:  cfg.Username,
		password:  cfg.Password,
		credit:    32,
		logger:    logger,
	}, nil
}

func (d *Driver) Open(ctx context.Context) error {
	var opts *amqp.ConnOptions
	if d.username != "" {
		opts = &amqp.ConnOptions{SASLType: amqp.SASLTypePlain(d.username, d.password)}
	}
	conn, err := amqp.Dial(ctx, d.url, opts)
	if err != nil {
		return fmt.Errorf("amqp10 dial: %w", err)
	}
	sess, err := conn.NewSession(ctx, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp10 session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	inbox := connector.NewInbox(int(d.credit) * len(d.addresses))
	for _, addr := range d.addresses {
		r, err := sess.NewReceiver(ctx, addr, &amqp.ReceiverOptions{Credit: d.credit})
		if err != nil {
			cancel()
			d.wg.Wait()
			conn.Close()
			return fmt.Errorf("amqp10 receiver %s: %w", addr, err)
		}
		d.wg.Add(1)
		go func(addr string) {
			defer d.wg.Done()
			d.receive(runCtx, addr, r, inbox)
		}(addr)
	}
	d.conn, d.cancel, d.inbox = conn, cancel, inbox
	d.logger.Info("amqp10 receiving", "connector", d.name, "addresses", len(d.addresses))
	return nil
}

// receive settles each message: accepted once buffered, released when the
// inbox is full so the broker redelivers it.
func (d *Driver) receive(ctx context.Context, addr string, r receiver, inbox *connector.Inbox) {
	for {
		msg, err := r.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() == nil {
				inbox.Fail(fmt.Errorf("amqp10 receive %s: %w", addr, err))
			}
			return
		}
		if inbox.Push(connector.Frame{Topic: addr, Data: body(msg)}) {
			err = r.AcceptMessage(ctx, msg)
		} else {
			d.logger.Warn("amqp10 inbox full, releasing message", "connector", d.name, "address", addr)
			err = r.ReleaseMessage(ctx, msg)
		}
		if err != nil && ctx.Err() == nil {
			inbox.Fail(fmt.Errorf("amqp10 settle %s: %w", addr, err))
			return
		}
	}
}

func body(msg *amqp.Message) []byte {
	if data := msg.GetData(); data != nil {
		return data
	}
	switch v := msg.Value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

func (d *Driver) Next(ctx context.Context) (connector.Frame, error) {
	return d.inbox.Next(ctx)
}

func (d *Driver) Decode(f connector.Frame) (core.Message, error) {
	if len(f.Data) == 0 {
		return core.Message{}, fmt.Errorf("empty amqp10 message on %s", f.Topic)
	}
	return connector.PassThrough(f)
}

func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	d.cancel()
	err := d.conn.Close()
	d.wg.Wait()
	d.conn = nil
	return err
}
