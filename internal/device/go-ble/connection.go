package goble

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blestream/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// connection is a device.Connection over a go-ble client
type connection struct {
	client  ble.Client
	address string
	logger  logrus.FieldLogger

	// characteristics keyed by canonical UUID, in discovery order
	chars    *orderedmap.OrderedMap[string, *ble.Characteristic]
	channels []device.Channel

	mu         sync.Mutex
	subscribed map[string]bool // channel id -> subscribed via indication

	lost      atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(client ble.Client, address string, profile *ble.Profile, logger logrus.FieldLogger) *connection {
	chars, channels := channelsFromProfile(profile)
	return &connection{
		client:     client,
		address:    address,
		logger:     logger,
		chars:      chars,
		channels:   channels,
		subscribed: make(map[string]bool),
		closed:     make(chan struct{}),
	}
}

// channelsFromProfile flattens a discovered profile into channels. A characteristic UUID that
// appears in several services is kept once, at its first position.
func channelsFromProfile(profile *ble.Profile) (*orderedmap.OrderedMap[string, *ble.Characteristic], []device.Channel) {
	chars := orderedmap.New[string, *ble.Characteristic]()
	if profile == nil {
		return chars, nil
	}
	for _, svc := range profile.Services {
		for _, ch := range svc.Characteristics {
			id := device.NormalizeUUID(ch.UUID.String())
			if id == "" {
				continue
			}
			if _, exists := chars.Get(id); exists {
				continue
			}
			chars.Set(id, ch)
		}
	}

	channels := make([]device.Channel, 0, chars.Len())
	for pair := chars.Oldest(); pair != nil; pair = pair.Next() {
		channels = append(channels, device.Channel{
			ID:             pair.Key,
			SupportsNotify: pair.Value.Property&(ble.CharNotify|ble.CharIndicate) != 0,
		})
	}
	return chars, channels
}

func (c *connection) Address() string {
	return c.address
}

func (c *connection) Channels() ([]device.Channel, error) {
	result := make([]device.Channel, len(c.channels))
	copy(result, c.channels)
	return result, nil
}

func (c *connection) alive() error {
	select {
	case <-c.closed:
		return device.ErrNotConnected
	default:
	}
	if c.lost.Load() {
		return device.ErrNotConnected
	}
	return nil
}

func (c *connection) lookup(channelID string) (string, *ble.Characteristic, error) {
	id := device.NormalizeUUID(channelID)
	ch, ok := c.chars.Get(id)
	if !ok {
		return "", nil, &device.NotFoundError{Resource: "channel", Key: channelID}
	}
	return id, ch, nil
}

// Subscribe enables notifications (or indications when the characteristic only indicates)
func (c *connection) Subscribe(channelID string, onData func([]byte)) error {
	if err := c.alive(); err != nil {
		return err
	}
	id, ch, err := c.lookup(channelID)
	if err != nil {
		return err
	}
	if ch.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("%w: channel %s does not notify", device.ErrUnsupported, device.ShortenUUID(id))
	}
	ind := ch.Property&ble.CharNotify == 0

	err = c.client.Subscribe(ch, ind, func(req []byte) {
		// the transport reuses its buffer
		data := make([]byte, len(req))
		copy(data, req)
		onData(data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", device.ShortenUUID(id), device.NormalizeError(err))
	}

	c.mu.Lock()
	c.subscribed[id] = ind
	c.mu.Unlock()
	return nil
}

func (c *connection) Unsubscribe(channelID string) error {
	id, ch, err := c.lookup(channelID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ind, ok := c.subscribed[id]
	delete(c.subscribed, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.alive(); err != nil {
		return err
	}
	if err := c.client.Unsubscribe(ch, ind); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", device.ShortenUUID(id), device.NormalizeError(err))
	}
	return nil
}

// Disconnect releases remaining subscriptions and closes the link. Calling it again is a no-op.
func (c *connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		remaining := c.subscribed
		c.subscribed = make(map[string]bool)
		c.mu.Unlock()

		if !c.lost.Load() {
			for id, ind := range remaining {
				if ch, ok := c.chars.Get(id); ok {
					if uerr := c.client.Unsubscribe(ch, ind); uerr != nil {
						c.logger.WithFields(logrus.Fields{
							"channel": device.ShortenUUID(id),
							"error":   uerr,
						}).Debug("Unsubscribe during disconnect failed")
					}
				}
			}
		}

		close(c.closed)
		err = device.NormalizeError(c.client.CancelConnection())
		if err != nil {
			c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
			return
		}
		c.logger.Info("BLE device disconnected")
	})
	return err
}

// markLost flags a transport-reported disconnect; returns false if already closed or lost
func (c *connection) markLost() bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	return c.lost.CompareAndSwap(false, true)
}
