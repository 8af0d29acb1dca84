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

package solace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
	"solace.dev/go/messaging"
	"solace.dev/go/messaging/pkg/solace"
	solacecfg "solace.dev/go/messaging/pkg/solace/config"
	"solace.dev/go/messaging/pkg/solace/message"
	"solace.dev/go/messaging/pkg/solace/resource"
)

const Family = "solace"

const terminateGrace = 5 * time.Second

// Driver receives direct messages from a Solace event broker.
type Driver struct {
	name     string
	host     string
	vpn      string
	username string
	password string
	topics   []string
	logger   *slog.Logger

	service  solace.MessagingService
	receiver solace.DirectMessageReceiver
	inbox    *connector.Inbox
}

func New(cfg config.ConnectorConfig, logger *slog.Logger) (connector.Driver, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("solace connector needs at least one topic")
	}
	topics := make([]string, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		topics = append(topics, t.Topic)
	}
	vpn := cfg.Options["vpn"]
	if vpn == "" {
		vpn = "default"
	}
	return &Driver{
		name:     cfg.Name,
		host:     cfg.Address,
		vpn:      vpn,
		username: cfg.Username,
		password: cfg.Password,
		topics:   topics,
		logger:   logger,
	}, nil
}

func (d *Driver) properties() solacecfg.ServicePropertyMap {
	return solacecfg.ServicePropertyMap{
		solacecfg.TransportLayerPropertyHost:                d.host,
		solacecfg.ServicePropertyVPNName:                    d.vpn,
		solacecfg.AuthenticationPropertySchemeBasicUserName: d.username,
		solacecfg.AuthenticationPropertySchemeBasicPassword: d.password,
	}
}

func (d *Driver) subscriptions() []*resource.TopicSubscription {
	subs := make([]*resource.TopicSubscription, 0, len(d.topics))
	for _, t := range d.topics {
		subs = append(subs, resource.TopicSubscriptionOf(t))
	}
	return subs
}

// Open connects the messaging service. Connect blocks without a context,
// so it runs in a goroutine and an expired ctx abandons the attempt.
func (d *Driver) Open(ctx context.Context) error {
	service, err := messaging.NewMessagingServiceBuilder().
		FromConfigurationProvider(d.properties()).
		Build()
	if err != nil {
		return fmt.Errorf("solace build: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- service.Connect() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		go func() {
			if <-done == nil {
				service.Disconnect()
			}
		}()
		return fmt.Errorf("solace connect: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("solace connect: %w", err)
	}

	inbox := connector.NewInbox(0)
	service.AddServiceInterruptionListener(func(ev solace.ServiceEvent) {
		inbox.Fail(fmt.Errorf("solace service interrupted: %v", ev.GetCause()))
	})

	receiver, err := service.CreateDirectMessageReceiverBuilder().
		WithSubscriptions(d.subscriptions()...).
		Build()
	if err != nil {
		service.Disconnect()
		return fmt.Errorf("solace receiver build: %w", err)
	}
	if err := receiver.Start(); err != nil {
		service.Disconnect()
		return fmt.Errorf("solace receiver start: %w", err)
	}
	if err := receiver.ReceiveAsync(func(m message.InboundMessage) {
		d.onMessage(inbox, m.GetDestinationName(), m)
	}); err != nil {
		receiver.Terminate(terminateGrace)
		service.Disconnect()
		return fmt.Errorf("solace receive: %w", err)
	}

	d.service, d.receiver, d.inbox = service, receiver, inbox
	d.logger.Info("solace receiving", "connector", d.name, "host", d.host, "vpn", d.vpn)
	return nil
}

type payloader interface {
	GetPayloadAsBytes() ([]byte, bool)
}

func (d *Driver) onMessage(inbox *connector.Inbox, topic string, m payloader) {
	payload, ok := m.GetPayloadAsBytes()
	if !ok {
		d.logger.Debug("solace message without binary payload", "connector", d.name, "topic", topic)
	}
	if !inbox.Push(connector.Frame{Topic: topic, Data: payload}) {
		d.logger.Warn("solace inbox full, dropping message", "connector", d.name, "topic", topic)
	}
}

func (d *Driver) Next(ctx context.Context) (connector.Frame, error) {
	return d.inbox.Next(ctx)
}

func (d *Driver) Decode(f connector.Frame) (core.Message, error) {
	return connector.PassThrough(f)
}

func (d *Driver) Close() error {
	if d.service == nil {
		return nil
	}
	var err error
	if d.receiver != nil {
		err = d.receiver.Terminate(terminateGrace)
		d.receiver = nil
	}
	if derr := d.service.Disconnect(); err == nil {
		err = derr
	}
	d.service = nil
	return err
}
