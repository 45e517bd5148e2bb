package server

import (
	"context"
	"encoding/json"
	"sync"
)

const (
	// EventAnnotationUpsert is broadcast when an annotation is written.
	EventAnnotationUpsert = "annotation.upsert"
	// EventAnnotationDelete is broadcast when an annotation is tombstoned.
	EventAnnotationDelete = "annotation.delete"
)

// PushMessage is one frame on a session's annotation channel. ClientID names
// the writer so subscribers can skip their own echoes.
type PushMessage struct {
	Channel  string          `json:"-"`
	Event    string          `json:"event"`
	ClientID string          `json:"client_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// RealtimeDispatcher fans annotation change frames out to every websocket
// subscribed to a channel. Slow subscribers lose frames rather than blocking
// the writer.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan PushMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, channel string) (<-chan PushMessage, func()) {
	if channel == "" {
		ch := make(chan PushMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan PushMessage, d.bufferSize),
	}
	d.registerSubscriber(channel, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(channel, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message PushMessage) {
	if message.Channel == "" || message.Event == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Channel]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(channel string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[channel][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(channel string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}
