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

package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

const Family = "kafka"

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Driver consumes a set of topics as one consumer group. A message is
// committed once the next fetch starts, so a link drop redelivers at most
// the message in flight.
type Driver struct {
	name    string
	brokers []string
	topics  []string
	groupID string
	timeout time.Duration
	logger  *slog.Logger

	probe     func(ctx context.Context, broker string) error
	newReader func(cfg kafka.ReaderConfig) reader

	reader reader
	last   *kafka.Message
}

func New(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka connector needs at least one topic")
	}
	brokers := strings.Split(cfg.Address, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	topics := make([]string, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		topics = append(topics, t.Topic)
	}
	groupID := cfg.Options["group_id"]
	if groupID == "" {
		groupID = "field-hub-" + cfg.Name
	}
	return &Driver{
		name:    cfg.Name,
		brokers: brokers,
		topics:  topics,
		groupID: groupID,
		timeout: cfg.Timeout.Std(),
		logger:  logger,
		probe: func(ctx context.Context, broker string) error {
			conn, err := kafka.DialContext(ctx, "tcp", broker)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		newReader: func(rc kafka.ReaderConfig) reader { return kafka.NewReader(rc) },
	}, nil
}

// Open checks that a broker is reachable before handing the topics to a
// group reader, which would otherwise retry silently.
func (d *Driver) Open(ctx context.Context) error {
	var lastErr error
	for _, b := range d.brokers {
		if lastErr = d.probe(ctx, b); lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return fmt.Errorf("kafka brokers unreachable: %w", lastErr)
	}
	d.reader = d.newReader(kafka.ReaderConfig{
		Brokers:     d.brokers,
		GroupID:     d.groupID,
		GroupTopics: d.topics,
		MaxWait:     500 * time.Millisecond,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	d.last = nil
	d.logger.Info("kafka reader started", "connector", d.name, "group", d.groupID, "topics", strings.Join(d.topics, ","))
	return nil
}

func (d *Driver) Next(ctx context.Context) (connector.Frame, error) {
	if d.last != nil {
		if err := d.reader.CommitMessages(ctx, *d.last); err != nil {
			return connector.Frame{}, fmt.Errorf("kafka commit: %w", err)
		}
		d.last = nil
	}
	msg, err := d.reader.FetchMessage(ctx)
	if err != nil {
		return connector.Frame{}, fmt.Errorf("kafka fetch: %w", err)
	}
	d.last = &msg
	return connector.Frame{Topic: msg.Topic, Data: msg.Value, At: msg.Time}, nil
}

func (d *Driver) Decode(f connector.Frame) (core.Message, error) {
	return connector.PassThrough(f)
}

func (d *Driver) Close() error {
	if d.reader == nil {
		return nil
	}
	err := d.reader.Close()
	d.reader = nil
	return err
}
