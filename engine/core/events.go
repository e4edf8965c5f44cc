package core

import "sync"

// EventContext carries the payload of a fired event. Only the fields the
// event code documents are meaningful.
type EventContext struct {
	U64 [2]uint64
	U32 [4]uint32
	F64 [2]float64
}

type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Surface size changed from the OS.
	// u32[0] = width, u32[1] = height
	EVENT_CODE_RESIZED SystemEventCode = 0x02

	// A frame finished its present call.
	// u64[0] = frame number, u32[0] = image index, f64[0] = cpu ms
	EVENT_CODE_FRAME_PRESENTED SystemEventCode = 0x03

	// The device reported an unrecoverable fault.
	EVENT_CODE_DEVICE_LOST SystemEventCode = 0x04
)

type FnOnEvent func(code SystemEventCode, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

// EventBus routes engine notifications to registered listeners. It is an
// explicitly passed object, not a process singleton, so independent engine
// instances (and tests) do not share listeners.
type EventBus struct {
	mu         sync.RWMutex
	registered map[SystemEventCode][]*registeredEvent
}

func NewEventBus() *EventBus {
	return &EventBus{
		registered: make(map[SystemEventCode][]*registeredEvent),
	}
}

// Register subscribes callback to code. Registering the same listener twice
// for the same code is a no-op.
func (eb *EventBus) Register(code SystemEventCode, listener interface{}, callback FnOnEvent) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, re := range eb.registered[code] {
		if re.listener == listener {
			LogWarn("event listener already registered for code %d", code)
			return false
		}
	}
	eb.registered[code] = append(eb.registered[code], &registeredEvent{
		listener: listener,
		callback: callback,
	})
	return true
}

func (eb *EventBus) Unregister(code SystemEventCode, listener interface{}) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	events := eb.registered[code]
	for i, re := range events {
		if re.listener == listener {
			eb.registered[code] = append(events[:i], events[i+1:]...)
			return true
		}
	}
	return false
}

// Fire delivers the event to every listener in registration order. A callback
// returning true marks the event handled and stops propagation.
func (eb *EventBus) Fire(code SystemEventCode, data EventContext) bool {
	eb.mu.RLock()
	events := make([]*registeredEvent, len(eb.registered[code]))
	copy(events, eb.registered[code])
	eb.mu.RUnlock()

	for _, re := range events {
		if re.callback(code, data) {
			return true
		}
	}
	return false
}
