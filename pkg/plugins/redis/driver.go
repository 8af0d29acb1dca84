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

package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

const Family = "redis"

// Driver listens on Redis pub/sub channels. Topics containing glob
// characters are subscribed as patterns.
type Driver struct {
	name     string
	url      string
	channels []string
	patterns []string
	logger   *slog.Logger

	client *redis.Client
	pubsub *redis.PubSub
	inbox  *connector.Inbox
	wg     sync.WaitGroup
}

func New(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("redis connector needs at least one channel")
	}
	if _, err := redis.ParseURL(cfg.Address); err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	d := &Driver{name: cfg.Name, url: cfg.Address, logger: logger}
	for _, t := range cfg.Topics {
		if strings.ContainsAny(t.Topic, "*?[") {
			d.patterns = append(d.patterns, t.Topic)
		} else {
			d.channels = append(d.channels, t.Topic)
		}
	}
	return d, nil
}

func (d *Driver) Open(ctx context.Context) error {
	opt, err := redis.ParseURL(d.url)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis ping: %w", err)
	}

	ps := client.Subscribe(ctx)
	if len(d.channels) > 0 {
		if err := ps.Subscribe(ctx, d.channels...); err != nil {
			client.Close()
			return fmt.Errorf("redis subscribe: %w", err)
		}
		if _, err := ps.Receive(ctx); err != nil {
			client.Close()
			return fmt.Errorf("redis subscribe: %w", err)
		}
	}
	if len(d.patterns) > 0 {
		if err := ps.PSubscribe(ctx, d.patterns...); err != nil {
			client.Close()
			return fmt.Errorf("redis psubscribe: %w", err)
		}
		if _, err := ps.Receive(ctx); err != nil {
			client.Close()
			return fmt.Errorf("redis psubscribe: %w", err)
		}
	}

	inbox := connector.NewInbox(0)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.receive(ps, inbox)
	}()
	d.client, d.pubsub, d.inbox = client, ps, inbox
	d.logger.Info("redis subscribed", "connector", d.name, "channels", len(d.channels), "patterns", len(d.patterns))
	return nil
}

// receive runs until the pub/sub connection fails or is closed.
func (d *Driver) receive(ps *redis.PubSub, inbox *connector.Inbox) {
	ctx := context.Background()
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			inbox.Fail(fmt.Errorf("redis receive: %w", err))
			return
		}
		if !inbox.Push(connector.Frame{Topic: msg.Channel, Data: []byte(msg.Payload)}) {
			d.logger.Warn("redis inbox full, dropping message", "connector", d.name, "channel", msg.Channel)
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
	if d.client == nil {
		return nil
	}
	err := d.pubsub.Close()
	d.wg.Wait()
	if cerr := d.client.Close(); err == nil {
		err = cerr
	}
	d.client, d.pubsub = nil, nil
	return err
}
