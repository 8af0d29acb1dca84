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

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/field-hub/internal/logging"
	"github.com/wso2/api-platform/gateway/field-hub/internal/metrics"
	"github.com/wso2/api-platform/gateway/field-hub/internal/registry"
	"github.com/wso2/api-platform/gateway/field-hub/internal/routing"
	"github.com/wso2/api-platform/gateway/field-hub/pkg/core"
)

// SyncHandler receives syncSysTime requests from downstream connections.
// It must not block the caller.
type SyncHandler interface {
	HandleSync(id core.ConnectionID, msg core.Message)
}

type Options struct {
	// ConsumerBuffer is the capacity of the consumer channel. When it is
	// full the hub loop waits for the consumer.
	ConsumerBuffer int
	// MaxPending bounds queued data events. Lifecycle events are never refused.
	MaxPending int
	// ConnectionQueue is the per-connection outbound queue size.
	ConnectionQueue int
}

type envelope struct {
	evt    core.Event
	result chan error
}

// Hub serialises every event through one processing loop. Only that loop
// unregisters connections and closes their outbound queues.
type Hub struct {
	registry *registry.Registry
	routes   *routing.Table
	logger   *slog.Logger
	trace    *logging.EventLogger
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
	sync     SyncHandler

	mu      sync.Mutex
	queue   []envelope
	pending int
	stopped bool
	wake    chan struct{}

	consumer  chan core.Event
	stopOnce  sync.Once
	stopCh    chan struct{}
	abortOnce sync.Once
	abort     chan struct{}
	done      chan struct{}
	writers   sync.WaitGroup
}

func New(reg *registry.Registry, routes *routing.Table, opts Options, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if opts.ConsumerBuffer <= 0 {
		opts.ConsumerBuffer = 1024
	}
	if routes == nil {
		routes = routing.NewTable()
	}
	return &Hub{
		registry: reg,
		routes:   routes,
		logger:   logger.With("component", "hub"),
		trace:    logging.NewEventLogger(logger.With("component", "trace")),
		metrics:  m,
		opts:     opts,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		consumer: make(chan core.Event, opts.ConsumerBuffer),
		stopCh:   make(chan struct{}),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetSyncHandler installs the time sync handler. Call before Start.
func (h *Hub) SetSyncHandler(s SyncHandler) {
	h.sync = s
}

func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// Start runs the processing loop until Stop or ctx cancellation and returns
// the consumer channel, which is closed when the loop exits.
func (h *Hub) Start(ctx context.Context) <-chan core.Event {
	go h.run(ctx)
	return h.consumer
}

// Stop ends the processing loop. The consumer receives a ConnectionClosed
// for every connection still open; if ctx expires first the remaining ones
// are dropped.
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	select {
	case <-h.done:
	case <-ctx.Done():
		h.abortOnce.Do(func() { close(h.abort) })
		return ctx.Err()
	}

	writersDone := make(chan struct{})
	go func() {
		h.writers.Wait()
		close(writersDone)
	}()
	select {
	case <-writersDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the processing loop has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Publish enqueues evt without blocking.
func (h *Hub) Publish(evt core.Event) error {
	return h.enqueue(envelope{evt: evt})
}

func (h *Hub) Broadcast(msg core.Message) error {
	evt := core.NewEvent(core.EventOutbound, "hub")
	evt.Target = core.ToAll()
	evt.Message = msg
	return h.enqueue(envelope{evt: evt})
}

// Send queues msg for one connection and waits for the delivery-time
// outcome. The target is resolved when the hub loop reaches the event.
func (h *Hub) Send(ctx context.Context, id core.ConnectionID, msg core.Message) error {
	evt := core.NewEvent(core.EventOutbound, "hub")
	evt.Target = core.ToOne(id)
	evt.Message = msg
	env := envelope{evt: evt, result: make(chan error, 1)}
	if err := h.enqueue(env); err != nil {
		return err
	}
	select {
	case err := <-env.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		select {
		case err := <-env.result:
			return err
		default:
			return core.ErrHubStopped
		}
	}
}

// Attach registers a handshaken connection and starts its writer.
func (h *Hub) Attach(t core.Transport, source string) (core.ConnectionID, error) {
	c := registry.NewConnection(source, core.HostOf(t.RemoteAddr()), t, h.opts.ConnectionQueue)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return "", core.ErrHubStopped
	}
	id, err := h.registry.Register(c)
	if err != nil {
		h.mu.Unlock()
		return "", err
	}
	h.writers.Add(1)
	h.mu.Unlock()

	go h.writeLoop(c)

	evt := core.NewEvent(core.EventConnectionOpened, source)
	evt.ConnID = id
	if err := h.enqueue(envelope{evt: evt}); err != nil {
		return "", err
	}
	h.logger.Info("connection attached", "conn_id", id, "source", source, "peer", c.Peer())
	return id, nil
}

// Receive hands an inbound client message to the hub.
func (h *Hub) Receive(id core.ConnectionID, msg core.Message) error {
	source := ""
	if c, ok := h.registry.Get(id); ok {
		source = c.Source()
	}
	evt := core.NewEvent(core.EventInbound, source)
	evt.ConnID = id
	evt.Message = msg
	return h.enqueue(envelope{evt: evt})
}

// Detach reports that the peer went away.
func (h *Hub) Detach(id core.ConnectionID, reason string) {
	h.Close(id, reason)
}

// Close queues removal of id. Repeated closes of the same id are collapsed.
func (h *Hub) Close(id core.ConnectionID, reason string) error {
	source := ""
	if c, ok := h.registry.Get(id); ok {
		source = c.Source()
	}
	evt := core.NewEvent(core.EventConnectionClosed, source)
	evt.ConnID = id
	evt.Reason = reason
	return h.enqueue(envelope{evt: evt})
}

func (h *Hub) enqueue(env envelope) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return core.ErrHubStopped
	}
	data := refusable(env.evt)
	if data && h.opts.MaxPending > 0 && h.pending >= h.opts.MaxPending {
		h.mu.Unlock()
		h.metrics.Dropped("queue_full")
		return fmt.Errorf("%w: pending=%d", core.ErrQueueFull, h.opts.MaxPending)
	}
	h.queue = append(h.queue, env)
	if data {
		h.pending++
	}
	n := len(h.queue)
	h.mu.Unlock()

	h.metrics.SetPending(n)
	select {
	case h.wake <- struct{}{}:
	default:
	}
	return nil
}

// refusable reports whether evt counts against MaxPending. Lifecycle events
// and client pongs never do.
func refusable(evt core.Event) bool {
	if evt.IsLifecycle() {
		return false
	}
	return !(evt.FromClient() && evt.Message.Topic == core.TopicPong)
}

func (h *Hub) take() []envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := h.queue
	h.queue = nil
	h.pending = 0
	return batch
}

func (h *Hub) run(ctx context.Context) {
	defer h.finish()
	for {
		batch := h.take()
		for i, env := range batch {
			if h.halted(ctx) {
				reject(batch[i:])
				return
			}
			h.dispatch(ctx, env)
		}
		if len(batch) > 0 {
			continue
		}
		h.metrics.SetPending(0)
		select {
		case <-h.wake:
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) halted(ctx context.Context) bool {
	select {
	case <-h.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (h *Hub) finish() {
	h.mu.Lock()
	h.stopped = true
	rest := h.queue
	h.queue = nil
	h.mu.Unlock()
	reject(rest)

	for _, c := range h.registry.Drain() {
		c.CloseOutbound()
		evt := core.NewEvent(core.EventConnectionClosed, c.Source())
		evt.ConnID = c.ID()
		evt.Reason = "hub stopped"
		select {
		case h.consumer <- evt:
		case <-h.abort:
			h.metrics.Dropped("stopping")
		}
	}
	h.metrics.SetConnections(0)
	close(h.consumer)
	close(h.done)
	h.logger.Info("hub stopped")
}

func reject(envs []envelope) {
	for _, env := range envs {
		if env.result != nil {
			env.result <- core.ErrHubStopped
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, env envelope) {
	evt := env.evt
	h.metrics.EventDispatched(evt.Kind.String())

	switch evt.Kind {
	case core.EventOutbound:
		h.trace.Log(evt, "downstream")
		err := h.deliver(evt)
		if env.result != nil {
			env.result <- err
		}
	case core.EventConnectionOpened:
		h.metrics.SetConnections(h.registry.Len())
		h.emit(ctx, evt)
	case core.EventConnectionClosed:
		c, ok := h.registry.Unregister(evt.ConnID)
		if !ok {
			return
		}
		c.CloseOutbound()
		h.metrics.SetConnections(h.registry.Len())
		h.logger.Info("connection closed", "conn_id", evt.ConnID, "reason", evt.Reason)
		h.emit(ctx, evt)
	case core.EventInbound:
		h.trace.Log(evt, "upstream")
		if evt.FromClient() {
			h.handleClient(ctx, evt)
			return
		}
		h.emit(ctx, evt)
		if topic, ok := h.routes.Broadcast(evt.Source, evt.Message.Topic); ok {
			msg := evt.Message
			msg.Topic = topic
			h.fanOut(msg)
		}
	default:
		h.emit(ctx, evt)
	}
}

func (h *Hub) deliver(evt core.Event) error {
	if evt.Target.All {
		h.fanOut(evt.Message)
		return nil
	}
	c, ok := h.registry.Lookup(evt.Target.ID)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownTarget, evt.Target.ID)
	}
	if !c.Enqueue(evt.Message) {
		h.metrics.Dropped("congested")
		return fmt.Errorf("%w: %s", core.ErrConnectionCongested, evt.Target.ID)
	}
	return nil
}

func (h *Hub) fanOut(msg core.Message) {
	h.registry.ForEach(func(c *registry.Connection) {
		if !c.Enqueue(msg) {
			h.metrics.Dropped("congested")
			h.logger.Warn("outbound queue full, dropping message", "conn_id", c.ID(), "topic", msg.Topic)
		}
	})
}

func (h *Hub) handleClient(ctx context.Context, evt core.Event) {
	now := h.now()
	switch evt.Message.Topic {
	case core.TopicPong:
		h.registry.RecordPong(evt.ConnID, now)
		return
	case core.TopicPing:
		h.registry.Touch(evt.ConnID, now)
		if c, ok := h.registry.Lookup(evt.ConnID); ok {
			c.Enqueue(core.Message{Topic: core.TopicPong, Payload: evt.Message.Payload})
		}
		return
	case core.TopicSyncSysTime:
		h.registry.Touch(evt.ConnID, now)
		if h.sync != nil {
			h.sync.HandleSync(evt.ConnID, evt.Message)
			return
		}
	}
	h.registry.Touch(evt.ConnID, now)
	h.emit(ctx, evt)
}

// emit blocks until the consumer accepts evt or the hub is stopping.
func (h *Hub) emit(ctx context.Context, evt core.Event) {
	select {
	case h.consumer <- evt:
	case <-h.stopCh:
		h.metrics.Dropped("stopping")
	case <-ctx.Done():
		h.metrics.Dropped("stopping")
	}
}

func (h *Hub) writeLoop(c *registry.Connection) {
	defer h.writers.Done()
	failed := false
	for msg := range c.Outbound() {
		if failed {
			continue
		}
		if err := c.Transport().WriteMessage(msg); err != nil {
			failed = true
			h.logger.Warn("write failed, closing connection", "conn_id", c.ID(), "error", err)
			h.Close(c.ID(), "write failed: "+err.Error())
		}
	}
	if err := c.Transport().Close("closed"); err != nil {
		h.logger.Debug("transport close", "conn_id", c.ID(), "error", err)
	}
}
