package broadcast

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

const subscriberQueueSize = 16

// ErrClosed is returned when publishing on a closed channel.
var ErrClosed = errors.New("broadcast channel closed")

// Hub connects in-process channels. A payload published on one HubChannel is delivered to the
// subscribers of every other channel of the hub, never to the publishing channel itself.
type Hub struct {
	mu        sync.Mutex
	endpoints map[*HubChannel]struct{}
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[*HubChannel]struct{})}
}

// Channel attaches a new endpoint to the hub.
func (h *Hub) Channel() *HubChannel {
	c := &HubChannel{hub: h, subs: make(map[*subscriber]struct{})}
	h.mu.Lock()
	h.endpoints[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// HubChannel is one endpoint of a Hub.
type HubChannel struct {
	hub *Hub

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// subscriber delivers payloads in publish order on its own goroutine.
type subscriber struct {
	handler Handler
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) run() {
	for {
		select {
		case payload := <-s.queue:
			s.handler(payload)
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (c *HubChannel) Publish(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, s := range c.hub.peersOf(c) {
		select {
		case s.queue <- bytes.Clone(payload):
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *HubChannel) Subscribe(handler Handler) (func(), error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	s := &subscriber{
		handler: handler,
		queue:   make(chan []byte, subscriberQueueSize),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.run()

	return func() {
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
		s.stop()
	}, nil
}

// Close detaches the endpoint from its hub and stops its subscribers.
func (c *HubChannel) Close() error {
	c.hub.mu.Lock()
	delete(c.hub.endpoints, c)
	c.hub.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for s := range c.subs {
		s.stop()
		delete(c.subs, s)
	}
	return nil
}

func (h *Hub) peersOf(from *HubChannel) []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*subscriber
	for ep := range h.endpoints {
		if ep == from {
			continue
		}
		ep.mu.Lock()
		for s := range ep.subs {
			out = append(out, s)
		}
		ep.mu.Unlock()
	}
	return out
}
