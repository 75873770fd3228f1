package device

import (
	"context"
	"time"
)

// Peripheral is an opaque handle to a discovered device. It is owned by the session that
// requested it and must not be used after that session disconnects.
type Peripheral interface {
	Name() string
	Address() string
}

// Channel is a characteristic exposed by a connected peripheral
type Channel struct {
	ID             string // canonical 128-bit UUID, see NormalizeUUID
	SupportsNotify bool   // notify or indicate
}

// Connection is a live link to one peripheral.
//
// Subscribe delivers payloads on a goroutine owned by the transport; onData must not block.
type Connection interface {
	Address() string
	Channels() ([]Channel, error)
	Subscribe(channelID string, onData func(data []byte)) error
	Unsubscribe(channelID string) error
	Disconnect() error
}

// Link is the transport collaborator: discovery and connection establishment.
//
// ScanForName and ScanForAddress return an error wrapping ErrNotFound when nothing matched
// within timeout. onDisconnect passed to Connect is invoked asynchronously, at most once, when
// the transport reports the link went down.
type Link interface {
	ScanForName(ctx context.Context, name string, timeout time.Duration) (Peripheral, error)
	ScanForAddress(ctx context.Context, address string, timeout time.Duration) (Peripheral, error)
	Connect(ctx context.Context, p Peripheral, onDisconnect func()) (Connection, error)
}

// NotifyingChannels filters channels down to those supporting notifications, keeping order.
func NotifyingChannels(channels []Channel) []Channel {
	result := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.SupportsNotify {
			result = append(result, ch)
		}
	}
	return result
}
