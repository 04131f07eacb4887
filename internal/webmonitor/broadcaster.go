package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/pkg/types"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	FrameNumber  uint64
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized Protobuf (base64 encoded for SSE)
}

// serializeEvent encodes event as JSON and as a google.protobuf.Struct.
func serializeEvent(event DetectionEvent) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	// Struct mirrors the JSON document so both encodings carry the same fields.
	var generic map[string]any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	pbEvent, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("protobuf convert: %w", err)
	}
	pbData, err := proto.Marshal(pbEvent)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		FrameNumber:  event.FrameNumber,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// DetectionBroadcaster manages fanout of detection events to multiple SSE clients.
// Pre-serializes both JSON and Protobuf formats for efficiency. It is a
// pipeline renderer.
type DetectionBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent // Channel carries pre-serialized data
	nextID   int
	forwards []func(*SerializedEvent)
	log      logger.Module

	// OnDrop, if set, is called for every event a slow client misses.
	OnDrop func()
}

// NewDetectionBroadcaster creates a broadcaster for detection events.
func NewDetectionBroadcaster() *DetectionBroadcaster {
	return &DetectionBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
		log:     logger.For("DetectionBroadcaster"),
	}
}

// Forward registers fn to receive every serialized event, e.g. the WebSocket
// hub or the WebRTC server. fn must not block.
func (db *DetectionBroadcaster) Forward(fn func(*SerializedEvent)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.forwards = append(db.forwards, fn)
}

// Subscribe adds a new client and returns a channel for receiving detection events.
func (db *DetectionBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.nextID
	db.nextID++
	ch := make(chan *SerializedEvent, 2) // Buffer 2 events to avoid blocking
	db.clients[id] = ch

	db.log.Debug("Client #%d subscribed (total clients: %d)", id, len(db.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (db *DetectionBroadcaster) Unsubscribe(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ch, ok := db.clients[id]; ok {
		close(ch)
		delete(db.clients, id)
		db.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(db.clients))
	}
}

// ClientCount returns the number of SSE subscribers.
func (db *DetectionBroadcaster) ClientCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.clients)
}

// Close disconnects every subscriber.
func (db *DetectionBroadcaster) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, ch := range db.clients {
		close(ch)
		delete(db.clients, id)
	}
}

// Render serializes res once and fans it out. Frames without composites are
// published too so that clients can clear stale overlays.
func (db *DetectionBroadcaster) Render(res types.FrameResult) {
	db.mu.Lock()
	idle := len(db.clients) == 0 && len(db.forwards) == 0
	db.mu.Unlock()
	if idle {
		return
	}

	event, err := serializeEvent(newDetectionEvent(res))
	if err != nil {
		db.log.Error("Serialize frame %d: %v", res.Seq, err)
		return
	}
	db.broadcast(event)
}

func (db *DetectionBroadcaster) broadcast(event *SerializedEvent) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, ch := range db.clients {
		select {
		case ch <- event:
			// Sent successfully
		default:
			// Client too slow, skip this event for this client
			if db.OnDrop != nil {
				db.OnDrop()
			}
		}
	}
	for _, fn := range db.forwards {
		fn(event)
	}
}
