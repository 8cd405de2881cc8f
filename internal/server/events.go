package server

import (
	"sync"
	"time"

	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/util"
)

// Event is one session status callback as sent to WebSocket clients.
type Event struct {
	Type   string    `json:"type"`
	Device string    `json:"device"`
	Time   time.Time `json:"time"`
}

// EventHub fans session events out to per-device subscribers. Slow
// subscribers miss events rather than stall the session.
type EventHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event
	closed      bool
}

func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[string]map[string]chan Event)}
}

// Subscribe returns a channel of device events for subscriberID.
func (h *EventHub) Subscribe(device, subscriberID string, bufferSize int) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, bufferSize)
	if h.closed {
		close(ch)
		return ch
	}
	subs, ok := h.subscribers[device]
	if !ok {
		subs = make(map[string]chan Event)
		h.subscribers[device] = subs
	}
	subs[subscriberID] = ch
	util.GetLogger().Debug("Event subscriber added", "device", device, "id", subscriberID, "total", len(subs))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *EventHub) Unsubscribe(device, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[device]
	if ch, ok := subs[subscriberID]; ok {
		close(ch)
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(h.subscribers, device)
		}
	}
}

// Publish delivers ev to the device's subscribers without blocking.
func (h *EventHub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers[ev.Device] {
		select {
		case ch <- ev:
		default:
			util.GetLogger().Warn("Event subscriber too slow, dropping event", "device", ev.Device, "id", id, "type", ev.Type)
		}
	}
}

// Close closes every subscriber channel.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for device, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, device)
	}
}

// hubListener turns session callbacks into hub events.
type hubListener struct {
	device string
	hub    *EventHub
}

var _ core.StatusListener = (*hubListener)(nil)

func (l *hubListener) publish(ev core.TransportEvent) {
	util.GetLogger().Info("Session status", "device", l.device, "event", ev)
	l.hub.Publish(Event{Type: ev.String(), Device: l.device, Time: time.Now()})
}

func (l *hubListener) OnConnected()     { l.publish(core.TransportConnected) }
func (l *hubListener) OnConnectFailed() { l.publish(core.TransportConnectFailed) }
func (l *hubListener) OnDisconnected()  { l.publish(core.TransportDisconnected) }
func (l *hubListener) OnAuthFailed()    { l.publish(core.TransportAuthFailed) }
func (l *hubListener) OnAuthSucceeded() { l.publish(core.TransportAuthSucceeded) }
