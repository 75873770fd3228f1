package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/srg/blestream/internal/device"
)

// Op is a connection operation recorded by FakeConnection
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpDisconnect  Op = "disconnect"
)

// Call is one recorded operation
type Call struct {
	Op      Op
	Channel string
}

func (c Call) String() string {
	if c.Channel == "" {
		return string(c.Op)
	}
	return fmt.Sprintf("%s %s", c.Op, device.ShortenUUID(c.Channel))
}

// FakePeripheral is a device.Peripheral with fixed name and address
type FakePeripheral struct {
	PName    string
	PAddress string
}

func (p *FakePeripheral) Name() string    { return p.PName }
func (p *FakePeripheral) Address() string { return p.PAddress }

// FakeConnection is a scripted device.Connection.
//
// Payloads queued with WithPayload are delivered synchronously from inside Subscribe,
// once each, the first time their channel is subscribed. Every Subscribe, Unsubscribe
// and Disconnect is recorded in call order.
type FakeConnection struct {
	mu            sync.Mutex
	address       string
	channels      []device.Channel
	channelsErr   error
	payloads      map[string][][]byte
	subscribeErrs map[string]error
	handlers      map[string]func([]byte)
	lastHandlers  map[string]func([]byte)
	calls         []Call
	closed        bool
	onDisconnect  func()
	subscribed    chan string
}

// NewFakeConnection creates a connection for the given address
func NewFakeConnection(address string) *FakeConnection {
	return &FakeConnection{
		address:       address,
		payloads:      make(map[string][][]byte),
		subscribeErrs: make(map[string]error),
		handlers:      make(map[string]func([]byte)),
		lastHandlers:  make(map[string]func([]byte)),
		subscribed:    make(chan string, 1024),
	}
}

// WithChannel adds a channel; uuid may be in any accepted spelling
func (c *FakeConnection) WithChannel(uuid string, notify bool) *FakeConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, device.Channel{ID: device.NormalizeUUID(uuid), SupportsNotify: notify})
	return c
}

// WithPayload queues a payload delivered on the next subscription of uuid
func (c *FakeConnection) WithPayload(uuid string, data []byte) *FakeConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := device.NormalizeUUID(uuid)
	c.payloads[id] = append(c.payloads[id], data)
	return c
}

// WithSubscribeError makes every subscription of uuid fail with err
func (c *FakeConnection) WithSubscribeError(uuid string, err error) *FakeConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErrs[device.NormalizeUUID(uuid)] = err
	return c
}

// WithChannelsError makes Channels fail
func (c *FakeConnection) WithChannelsError(err error) *FakeConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelsErr = err
	return c
}

func (c *FakeConnection) Address() string {
	return c.address
}

func (c *FakeConnection) Channels() ([]device.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelsErr != nil {
		return nil, c.channelsErr
	}
	result := make([]device.Channel, len(c.channels))
	copy(result, c.channels)
	return result, nil
}

func (c *FakeConnection) Subscribe(channelID string, onData func([]byte)) error {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Op: OpSubscribe, Channel: channelID})
	if c.closed {
		c.mu.Unlock()
		return device.ErrNotConnected
	}
	if err := c.subscribeErrs[channelID]; err != nil {
		c.mu.Unlock()
		return err
	}
	c.handlers[channelID] = onData
	c.lastHandlers[channelID] = onData
	pending := c.payloads[channelID]
	delete(c.payloads, channelID)
	c.mu.Unlock()

	for _, data := range pending {
		onData(data)
	}
	select {
	case c.subscribed <- channelID:
	default:
	}
	return nil
}

func (c *FakeConnection) Unsubscribe(channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: OpUnsubscribe, Channel: channelID})
	delete(c.handlers, channelID)
	if c.closed {
		return device.ErrNotConnected
	}
	return nil
}

func (c *FakeConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: OpDisconnect})
	c.closed = true
	c.handlers = make(map[string]func([]byte))
	return nil
}

// Notify delivers data to the active subscription of uuid. Returns false if not subscribed.
func (c *FakeConnection) Notify(uuid string, data []byte) bool {
	c.mu.Lock()
	handler, ok := c.handlers[device.NormalizeUUID(uuid)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	handler(data)
	return true
}

// DeliverLate hands data to the last handler ever subscribed on uuid, even after it was
// unsubscribed or the connection closed. Returns false if uuid was never subscribed.
func (c *FakeConnection) DeliverLate(uuid string, data []byte) bool {
	c.mu.Lock()
	handler, ok := c.lastHandlers[device.NormalizeUUID(uuid)]
	c.mu.Unlock()
	if !ok {
		return false
	}
	handler(data)
	return true
}

// SimulateDisconnect marks the link as down and fires the disconnect callback
func (c *FakeConnection) SimulateDisconnect() {
	c.mu.Lock()
	c.closed = true
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Subscribed yields the channel id of every successful subscription
func (c *FakeConnection) Subscribed() <-chan string {
	return c.subscribed
}

// WaitSubscribed blocks until uuid gets subscribed or the timeout expires
func (c *FakeConnection) WaitSubscribed(uuid string, timeout time.Duration) bool {
	id := device.NormalizeUUID(uuid)
	deadline := time.After(timeout)
	for {
		select {
		case got := <-c.subscribed:
			if got == id {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// Calls returns a snapshot of recorded operations
func (c *FakeConnection) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Call, len(c.calls))
	copy(result, c.calls)
	return result
}

// CallTrace renders recorded operations as short strings, e.g. "subscribe 2a6d"
func (c *FakeConnection) CallTrace() []string {
	calls := c.Calls()
	result := make([]string, len(calls))
	for i, call := range calls {
		result[i] = call.String()
	}
	return result
}

// IsClosed reports whether Disconnect was called or a disconnect was simulated
func (c *FakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeLink is a scripted device.Link serving a single peripheral.
//
// The first MissingScans scans report not found; later scans find the peripheral when the
// requested name or address matches.
type FakeLink struct {
	mu           sync.Mutex
	Peripheral   *FakePeripheral
	Conn         *FakeConnection
	MissingScans int
	ScanErr      error
	ConnectErr   error
	ScanDelay    time.Duration
	scans        int
	connects     int
}

// NewFakeLink creates a link whose peripheral is name@address
func NewFakeLink(name, address string) *FakeLink {
	return &FakeLink{
		Peripheral: &FakePeripheral{PName: name, PAddress: address},
		Conn:       NewFakeConnection(address),
	}
}

func (l *FakeLink) ScanForName(ctx context.Context, name string, timeout time.Duration) (device.Peripheral, error) {
	return l.scan(ctx, name, func(p *FakePeripheral) bool { return p.PName == name })
}

func (l *FakeLink) ScanForAddress(ctx context.Context, address string, timeout time.Duration) (device.Peripheral, error) {
	return l.scan(ctx, address, func(p *FakePeripheral) bool { return strings.EqualFold(p.PAddress, address) })
}

func (l *FakeLink) scan(ctx context.Context, key string, match func(*FakePeripheral) bool) (device.Peripheral, error) {
	l.mu.Lock()
	l.scans++
	attempt := l.scans
	delay := l.ScanDelay
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if l.ScanErr != nil {
		return nil, l.ScanErr
	}
	if attempt <= l.MissingScans || l.Peripheral == nil || !match(l.Peripheral) {
		return nil, &device.NotFoundError{Resource: "peripheral", Key: key}
	}
	return l.Peripheral, nil
}

func (l *FakeLink) Connect(ctx context.Context, p device.Peripheral, onDisconnect func()) (device.Connection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
	if l.ConnectErr != nil {
		return nil, l.ConnectErr
	}
	l.Conn.mu.Lock()
	l.Conn.onDisconnect = onDisconnect
	l.Conn.mu.Unlock()
	return l.Conn, nil
}

// Scans returns the number of scan attempts so far
func (l *FakeLink) Scans() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scans
}

// Connects returns the number of connect attempts so far
func (l *FakeLink) Connects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connects
}
