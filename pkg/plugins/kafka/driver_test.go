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
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/config"
)

type fakeReader struct {
	queue     []kafka.Message
	committed []int64
	cfg       kafka.ReaderConfig
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.queue) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.queue[0]
	f.queue = f.queue[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func newTestDriver(t *testing.T, fr *fakeReader, probeErr error) *Driver {
	t.Helper()
	d, err := New(config.ConnectorConfig{
		Name:    "historian",
		Address: "k1:9092, k2:9092",
		Topics:  []config.TopicConfig{{Topic: "line.a"}, {Topic: "line.b"}},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	drv := d.(*Driver)
	drv.probe = func(context.Context, string) error { return probeErr }
	drv.newReader = func(rc kafka.ReaderConfig) reader {
		fr.cfg = rc
		return fr
	}
	return drv
}

func TestCommitOnNextFetch(t *testing.T) {
	now := time.Now()
	fr := &fakeReader{queue: []kafka.Message{
		{Topic: "line.a", Offset: 7, Value: []byte(`{"v":1}`), Time: now},
		{Topic: "line.b", Offset: 3, Value: []byte("ok"), Time: now},
	}}
	d := newTestDriver(t, fr, nil)
	if err := d.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fr.cfg.GroupID != "field-hub-historian" || len(fr.cfg.GroupTopics) != 2 || fr.cfg.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected reader config %+v", fr.cfg)
	}

	f, err := d.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(fr.committed) != 0 {
		t.Fatal("expected no commit before the next fetch")
	}
	msg, _ := d.Decode(f)
	if msg.Topic != "line.a" || string(msg.Payload) != `{"v":1}` {
		t.Fatalf("unexpected message %s %s", msg.Topic, msg.Payload)
	}

	if _, err := d.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fr.committed) != 1 || fr.committed[0] != 7 {
		t.Fatalf("expected offset 7 committed, got %v", fr.committed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	d.Close()
	if !fr.closed {
		t.Fatal("expected reader to be closed")
	}
}

func TestOpenFailsWhenBrokersUnreachable(t *testing.T) {
	fr := &fakeReader{}
	d := newTestDriver(t, fr, errors.New("connection refused"))
	if err := d.Open(context.Background()); err == nil {
		t.Fatal("expected open to fail")
	}
	if fr.cfg.GroupID != "" {
		t.Fatal("reader should not be created when no broker answers")
	}
}
