package claude

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/claude-console/log"
)

const (
	heartbeatInterval = 30 * time.Second

	// Per-subscriber send queue. A subscriber that cannot keep up with the
	// stream loses its slot rather than stalling the broadcast.
	subscriberQueueSize = 64
)

var heartbeatFrame = []byte(": heartbeat\n\n")

// Subscriber is one attached SSE client. The HTTP handler drains Events()
// onto the response; the channel is closed when the subscriber is removed,
// the stream closes, or the whole fan-out shuts down.
type Subscriber struct {
	streamID string

	mu     sync.Mutex
	closed bool
	queue  chan []byte
}

// Events returns the subscriber's framed event queue. Frames are complete
// SSE wire chunks and must be written verbatim.
func (sub *Subscriber) Events() <-chan []byte { return sub.queue }

// StreamID returns the stream this subscriber is attached to.
func (sub *Subscriber) StreamID() string { return sub.streamID }

// enqueue offers a frame without blocking. False means the subscriber is
// closed or its queue is full; callers treat both as grounds for eviction.
func (sub *Subscriber) enqueue(frame []byte) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	select {
	case sub.queue <- frame:
		return true
	default:
		return false
	}
}

func (sub *Subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.queue)
}

type connectedEvent struct {
	Type        string `json:"type"`
	StreamingID string `json:"streaming_id"`
	Timestamp   string `json:"timestamp"`
}

type closedEvent struct {
	Type        string `json:"type"`
	StreamingID string `json:"streamingId"`
	Timestamp   string `json:"timestamp"`
}

type errorEvent struct {
	Type        string `json:"type"`
	Error       string `json:"error"`
	StreamingID string `json:"streamingId"`
	Timestamp   string `json:"timestamp"`
}

type permissionEvent struct {
	Type        string             `json:"type"`
	Data        *PermissionRequest `json:"data"`
	StreamingID string             `json:"streamingId"`
	Timestamp   string             `json:"timestamp"`
}

// Fanout routes stream events to attached SSE subscribers. Broadcasts for a
// stream are serialized under the fan-out lock, so every subscriber observes
// events in emission order. Streams with no subscribers drop events silently.
type Fanout struct {
	mu    sync.Mutex
	subs  map[string]map[*Subscriber]struct{}
	total int

	heartbeatStop chan struct{}

	// onTotal observes the total subscriber count after every change.
	onTotal func(int)
}

// NewFanout creates an empty fan-out. onTotal may be nil.
func NewFanout(onTotal func(int)) *Fanout {
	return &Fanout{
		subs:    make(map[string]map[*Subscriber]struct{}),
		onTotal: onTotal,
	}
}

// AddSubscriber attaches a new subscriber to a stream. The framed connected
// event is already queued on return. The first subscriber overall starts the
// heartbeat ticker.
func (f *Fanout) AddSubscriber(streamID string) *Subscriber {
	sub := &Subscriber{
		streamID: streamID,
		queue:    make(chan []byte, subscriberQueueSize),
	}
	sub.enqueue(frameEvent(connectedEvent{
		Type:        "connected",
		StreamingID: streamID,
		Timestamp:   eventTimestamp(),
	}))

	f.mu.Lock()
	set := f.subs[streamID]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		f.subs[streamID] = set
	}
	set[sub] = struct{}{}
	f.total++
	if f.total == 1 {
		f.heartbeatStop = make(chan struct{})
		go f.heartbeatLoop(f.heartbeatStop)
	}
	total := f.total
	f.mu.Unlock()

	f.reportTotal(total)
	log.Debug().Str("streamingId", streamID).Int("subscribers", total).Msg("subscriber attached")
	return sub
}

// RemoveSubscriber detaches and closes a subscriber. The last removal overall
// stops the heartbeat ticker.
func (f *Fanout) RemoveSubscriber(sub *Subscriber) {
	f.mu.Lock()
	total, removed := f.removeLocked(sub)
	f.mu.Unlock()

	if !removed {
		return
	}
	sub.close()
	f.reportTotal(total)
	log.Debug().Str("streamingId", sub.streamID).Int("subscribers", total).Msg("subscriber detached")
}

// removeLocked unregisters sub and returns the new total. Caller holds f.mu;
// caller is responsible for sub.close().
func (f *Fanout) removeLocked(sub *Subscriber) (int, bool) {
	set := f.subs[sub.streamID]
	if _, ok := set[sub]; !ok {
		return f.total, false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(f.subs, sub.streamID)
	}
	f.total--
	if f.total == 0 && f.heartbeatStop != nil {
		close(f.heartbeatStop)
		f.heartbeatStop = nil
	}
	return f.total, true
}

// Broadcast forwards one subprocess record to a stream's subscribers,
// verbatim. Init records never reach subscribers: they were already returned
// from the start/resume call.
func (f *Fanout) Broadcast(streamID string, record json.RawMessage) {
	if isSystemInit(record) {
		return
	}
	f.send(streamID, frameData(record))
}

// BroadcastError forwards a non-fatal stream error as an error event.
func (f *Fanout) BroadcastError(streamID, message string) {
	f.send(streamID, frameEvent(errorEvent{
		Type:        "error",
		Error:       message,
		StreamingID: streamID,
		Timestamp:   eventTimestamp(),
	}))
}

// BroadcastPermission forwards a permission broker event. kind is
// permission_request or permission_updated.
func (f *Fanout) BroadcastPermission(kind, streamID string, req *PermissionRequest) {
	f.send(streamID, frameEvent(permissionEvent{
		Type:        kind,
		Data:        req,
		StreamingID: streamID,
		Timestamp:   eventTimestamp(),
	}))
}

// CloseStream delivers the terminal closed event to every subscriber of a
// stream, then ends their responses and drops the set.
func (f *Fanout) CloseStream(streamID string) {
	frame := frameEvent(closedEvent{
		Type:        "closed",
		StreamingID: streamID,
		Timestamp:   eventTimestamp(),
	})

	f.mu.Lock()
	set := f.subs[streamID]
	delete(f.subs, streamID)
	for sub := range set {
		sub.enqueue(frame)
		f.total--
	}
	if f.total == 0 && f.heartbeatStop != nil {
		close(f.heartbeatStop)
		f.heartbeatStop = nil
	}
	total := f.total
	f.mu.Unlock()

	for sub := range set {
		sub.close()
	}
	if len(set) > 0 {
		f.reportTotal(total)
		log.Debug().Str("streamingId", streamID).Int("closed", len(set)).Msg("stream closed for subscribers")
	}
}

// DisconnectAll ends every subscriber. Used during server shutdown.
func (f *Fanout) DisconnectAll() {
	f.mu.Lock()
	var all []*Subscriber
	for _, set := range f.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	f.subs = make(map[string]map[*Subscriber]struct{})
	f.total = 0
	if f.heartbeatStop != nil {
		close(f.heartbeatStop)
		f.heartbeatStop = nil
	}
	f.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
	f.reportTotal(0)
}

// SubscriberCount returns the number of subscribers attached to a stream.
func (f *Fanout) SubscriberCount(streamID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[streamID])
}

// send frames are enqueued under the lock so per-stream order holds.
// Subscribers whose queue is full are evicted after the pass.
func (f *Fanout) send(streamID string, frame []byte) {
	f.mu.Lock()
	set := f.subs[streamID]
	if len(set) == 0 {
		f.mu.Unlock()
		return
	}

	var evicted []*Subscriber
	for sub := range set {
		if !sub.enqueue(frame) {
			evicted = append(evicted, sub)
		}
	}
	total := f.total
	for _, sub := range evicted {
		total, _ = f.removeLocked(sub)
	}
	f.mu.Unlock()

	for _, sub := range evicted {
		sub.close()
		log.Warn().Str("streamingId", streamID).Msg("evicted slow subscriber")
	}
	if len(evicted) > 0 {
		f.reportTotal(total)
	}
}

func (f *Fanout) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.sendHeartbeat()
		case <-stop:
			return
		}
	}
}

// sendHeartbeat offers the comment frame to every subscriber of every
// stream. Full queues are left alone: a heartbeat on a saturated queue
// carries no information.
func (f *Fanout) sendHeartbeat() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, set := range f.subs {
		for sub := range set {
			sub.enqueue(heartbeatFrame)
		}
	}
}

func (f *Fanout) reportTotal(total int) {
	if f.onTotal != nil {
		f.onTotal(total)
	}
}

// frameData wraps an already-serialized payload as one SSE frame.
func frameData(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')
	return frame
}

// frameEvent serializes an event struct and frames it.
func frameEvent(event any) []byte {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to serialize stream event")
		return heartbeatFrame
	}
	return frameData(payload)
}

func eventTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
