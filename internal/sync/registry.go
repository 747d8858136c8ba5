package sync

import (
	"sync"

	"catalogd/internal/apperrors"
)

const connectionBuffer = 32

type connEntry struct {
	ch         chan Message
	deviceType DeviceType
}

// ConnectionRegistry is the two-level user_id -> device_id -> connection
// mapping backing every broadcast and targeted send in the sync fabric.
type ConnectionRegistry struct {
	mu    sync.Mutex
	users map[string]map[string]*connEntry
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{users: make(map[string]map[string]*connEntry)}
}

// Register creates a bounded channel for (userID, deviceID). A prior entry
// for the same pair is replaced and its channel closed (drop-and-replace).
func (r *ConnectionRegistry) Register(userID, deviceID string, deviceType DeviceType) <-chan Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices, ok := r.users[userID]
	if !ok {
		devices = make(map[string]*connEntry)
		r.users[userID] = devices
	}
	if prev, exists := devices[deviceID]; exists {
		close(prev.ch)
	}

	entry := &connEntry{ch: make(chan Message, connectionBuffer), deviceType: deviceType}
	devices[deviceID] = entry
	return entry.ch
}

// Unregister removes the entry and prunes an empty user map. It does not
// close the channel — the caller that registered owns the close if the
// registration is still the current one (avoids double-closing a channel
// a concurrent Register already replaced and closed).
func (r *ConnectionRegistry) Unregister(userID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices, ok := r.users[userID]
	if !ok {
		return
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(r.users, userID)
	}
}

// SendToDevice delivers msg to one device's channel, failing fast if the
// pair is unregistered or the channel is full.
func (r *ConnectionRegistry) SendToDevice(userID, deviceID string, msg Message) error {
	r.mu.Lock()
	devices, ok := r.users[userID]
	var entry *connEntry
	if ok {
		entry, ok = devices[deviceID]
	}
	r.mu.Unlock()

	if !ok {
		return apperrors.New("sync.ConnectionRegistry.SendToDevice", apperrors.KindNotFound, "not connected")
	}
	select {
	case entry.ch <- msg:
		return nil
	default:
		return apperrors.New("sync.ConnectionRegistry.SendToDevice", apperrors.KindConnection, "disconnected (channel full)")
	}
}

// SendToOtherDevices fans msg to every device of userID except excludeDeviceID,
// returning the device ids that failed to receive it.
func (r *ConnectionRegistry) SendToOtherDevices(userID, excludeDeviceID string, msg Message) []string {
	r.mu.Lock()
	devices := r.users[userID]
	targets := make(map[string]*connEntry, len(devices))
	for id, e := range devices {
		if id != excludeDeviceID {
			targets[id] = e
		}
	}
	r.mu.Unlock()

	var failed []string
	for id, entry := range targets {
		select {
		case entry.ch <- msg:
		default:
			failed = append(failed, id)
		}
	}
	return failed
}

// BroadcastToUser sends msg to every device of userID, returning failed ids.
func (r *ConnectionRegistry) BroadcastToUser(userID string, msg Message) []string {
	return r.SendToOtherDevices(userID, "", msg)
}

// BroadcastToAll fans msg to every connection across every user, returning
// the number that failed to receive it.
func (r *ConnectionRegistry) BroadcastToAll(msg Message) int {
	r.mu.Lock()
	var targets []*connEntry
	for _, devices := range r.users {
		for _, e := range devices {
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	failed := 0
	for _, entry := range targets {
		select {
		case entry.ch <- msg:
		default:
			failed++
		}
	}
	return failed
}
