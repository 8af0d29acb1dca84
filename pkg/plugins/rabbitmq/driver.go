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

package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

const Family = "rabbitmq"

// Driver consumes one or more durable queues over a single channel. Each
// topic entry names a queue.
type Driver struct {
	name     string
	url      string
	queues   []string
	prefetch int
	logger   *slog.Logger

	conn  *amqp.Connection
	ch    *amqp.Channel
	inbox *connector.Inbox
	wg    sync.WaitGroup
}

func New(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("rabbitmq connector needs at least one queue")
	}
	queues := make([]string, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		queues = append(queues, t.Topic)
	}
	return &Driver{
		name:     cfg.Name,
		url:      cfg.Address,
		queues:   queues,
		prefetch: 64,
		logger:   logger,
	}, nil
}

func (d *Driver) Open(ctx context.Context) error {
	conn, err := amqp.DialConfig(d.url, amqp.Config{Dial: amqp.DefaultDial(timeoutOf(ctx))})
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.Qos(d.prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq qos: %w", err)
	}

	inbox := connector.NewInbox(d.prefetch * len(d.queues))
	for _, q := range d.queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("rabbitmq queue declare %s: %w", q, err)
		}
		deliveries, err := ch.Consume(q, "field-hub-"+d.name+"-"+q, false, false, false, false, nil)
		if err != nil {
			conn.Close()
			return fmt.Errorf("rabbitmq consume %s: %w", q, err)
		}
		d.wg.Add(1)
		go func(queue string) {
			defer d.wg.Done()
			d.pump(queue, deliveries, inbox)
		}(q)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if e, ok := <-closed; ok && e != nil {
			inbox.Fail(fmt.Errorf("rabbitmq connection closed: %w", e))
		}
	}()

	d.conn, d.ch, d.inbox = conn, ch, inbox
	d.logger.Info("rabbitmq consuming", "connector", d.name, "queues", len(d.queues))
	return nil
}

func timeoutOf(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 {
			return left
		}
	}
	return 30 * time.Second
}

// pump moves deliveries into the inbox, acking what was accepted and
// requeueing what was not.
func (d *Driver) pump(queue string, deliveries <-chan amqp.Delivery, inbox *connector.Inbox) {
	for del := range deliveries {
		topic := del.RoutingKey
		if topic == "" {
			topic = queue
		}
		f := connector.Frame{Topic: topic, Data: del.Body}
		if !del.Timestamp.IsZero() {
			f.At = del.Timestamp
		}
		if inbox.Push(f) {
			if err := del.Ack(false); err != nil {
				d.logger.Debug("rabbitmq ack failed", "connector", d.name, "error", err)
			}
			continue
		}
		d.logger.Warn("rabbitmq inbox full, requeueing", "connector", d.name, "queue", queue)
		if err := del.Nack(false, true); err != nil {
			d.logger.Debug("rabbitmq nack failed", "connector", d.name, "error", err)
		}
	}
}

func (d *Driver) Next(ctx context.Context) (connector.Frame, error) {
	return d.inbox.Next(ctx)
}

func (d *Driver) Decode(f connector.Frame) (core.Message, error) {
	return connector.PassThrough(f)
}

func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.wg.Wait()
	d.conn, d.ch = nil, nil
	return err
}
