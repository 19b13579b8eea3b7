package server

import (
	"context"
	"sync"
	"time"
)

const (
	EventPartStored        = "part-stored"
	EventChecksumsComputed = "checksums-computed"
	EventPersistFailed     = "persist-failed"
	eventHeartbeat         = "heartbeat"
	defaultEventBuffer     = 16
)

// UploadEvent reports a change to the payload or integrity data of a content.
type UploadEvent struct {
	ContentID string    `json:"contentId"`
	EventType string    `json:"event"`
	Part      int       `json:"part,omitempty"`
	Rev       string    `json:"rev,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UploadEvents fans upload events out to the subscribers of each content.
// Slow subscribers miss events rather than block publishers.
type UploadEvents struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan UploadEvent
	nextID      int64
	bufferSize  int
}

// NewUploadEvents returns an empty dispatcher.
func NewUploadEvents() *UploadEvents {
	return &UploadEvents{
		subscribers: make(map[string]map[int64]chan UploadEvent),
		bufferSize:  defaultEventBuffer,
	}
}

// Subscribe registers a listener for contentID until ctx ends or the returned
// cleanup runs.
func (d *UploadEvents) Subscribe(ctx context.Context, contentID string) (<-chan UploadEvent, func()) {
	if contentID == "" {
		closed := make(chan UploadEvent)
		close(closed)
		return closed, func() {}
	}
	stream := make(chan UploadEvent, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if d.subscribers[contentID] == nil {
		d.subscribers[contentID] = make(map[int64]chan UploadEvent)
	}
	d.subscribers[contentID][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unsubscribe(contentID, id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers event to the current subscribers of its content.
func (d *UploadEvents) Publish(event UploadEvent) {
	if event.ContentID == "" || event.EventType == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers[event.ContentID] {
		select {
		case stream <- event:
		default:
		}
	}
}

// PersistFailed publishes that a downloaded remote payload of contentID was
// served without being stored. It fits ConnectorConfig.OnPersistFailure.
func (d *UploadEvents) PersistFailed(contentID string, err error) {
	event := UploadEvent{ContentID: contentID, EventType: EventPersistFailed}
	if err != nil {
		event.Reason = err.Error()
	}
	d.Publish(event)
}

func (d *UploadEvents) unsubscribe(contentID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[contentID]
	if subscribers == nil {
		return
	}
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(d.subscribers, contentID)
	}
}
