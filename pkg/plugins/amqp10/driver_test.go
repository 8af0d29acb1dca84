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
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Azure/go-amqp"
	"github.com/wso2/api-platform/gateway/field-hub/internal/connector"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
)

type fakeReceiver struct {
	msgs     []*amqp.Message
	err      error
	accepted int
	released int
}

func (f *fakeReceiver) Receive(ctx context.Context, _ *amqp.ReceiveOptions) (*amqp.Message, error) {
	if len(f.msgs) == 0 {
		return nil, f.err
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReceiver) AcceptMessage(context.Context, *amqp.Message) error {
	f.accepted++
	return nil
}

func (f *fakeReceiver) ReleaseMessage(context.Context, *amqp.Message) error {
	f.released++
	return nil
}

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(config.ConnectorConfig{Name: "erp", Address: "amqp://broker:5672", Topics: []config.TopicConfig{{Topic: "work-orders"}}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return d.(*Driver)
}

func TestReceiveSettlesAndFailsLink(t *testing.T) {
	d := newTestDriver(t)
	inbox := connector.NewInbox(1)
	d.inbox = inbox
	linkErr := errors.New("link detached")
	r := &fakeReceiver{
		msgs: []*amqp.Message{
			amqp.NewMessage([]byte(`{"order":42}`)),
			{Value: "second"},
		},
		err: linkErr,
	}

	d.receive(context.Background(), "work-orders", r, inbox)

	if r.accepted != 1 || r.released != 1 {
		t.Fatalf("expected 1 accepted and 1 released, got %d and %d", r.accepted, r.released)
	}
	f, err := d.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	msg, err := d.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Topic != "work-orders" || string(msg.Payload) != `{"order":42}` {
		t.Fatalf("unexpected message %s %s", msg.Topic, msg.Payload)
	}
	if _, err := d.Next(context.Background()); !errors.Is(err, linkErr) {
		t.Fatalf("expected link error, got %v", err)
	}
}

func TestBodyFallsBackToValue(t *testing.T) {
	if got := string(body(&amqp.Message{Value: "text"})); got != "text" {
		t.Fatalf("expected value body, got %q", got)
	}
	if body(&amqp.Message{}) != nil {
		t.Fatal("expected nil body")
	}
	d := newTestDriver(t)
	if _, err := d.Decode(connector.Frame{Topic: "q"}); err == nil {
		t.Fatal("expected empty message to be rejected")
	}
}
