// Package goble implements device.Link on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blestream/internal/device"
	"github.com/srg/blestream/internal/groutine"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// peripheral is a device.Peripheral found by a scan
type peripheral struct {
	name string
	addr ble.Addr
}

func (p *peripheral) Name() string    { return p.name }
func (p *peripheral) Address() string { return p.addr.String() }

// Link is a device.Link over the host Bluetooth adapter. The adapter is opened on first use.
// Scans are serialised: a single adapter runs one scan at a time.
type Link struct {
	logger logrus.FieldLogger

	devMu sync.Mutex
	dev   ble.Device

	scanMu sync.Mutex
}

var _ device.Link = (*Link)(nil)

// NewLink creates a Link
func NewLink(logger logrus.FieldLogger) *Link {
	if logger == nil {
		logger = logrus.New()
	}
	return &Link{logger: logger}
}

func (l *Link) device() (ble.Device, error) {
	l.devMu.Lock()
	defer l.devMu.Unlock()
	if l.dev != nil {
		return l.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		l.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	l.dev = dev
	return dev, nil
}

// ScanForName returns the first advertiser whose local name equals name
func (l *Link) ScanForName(ctx context.Context, name string, timeout time.Duration) (device.Peripheral, error) {
	return l.scan(ctx, timeout, name, func(adv ble.Advertisement) bool {
		return adv.LocalName() == name
	})
}

// ScanForAddress returns the advertiser with the given address (case-insensitive)
func (l *Link) ScanForAddress(ctx context.Context, address string, timeout time.Duration) (device.Peripheral, error) {
	return l.scan(ctx, timeout, address, func(adv ble.Advertisement) bool {
		return adv.Addr() != nil && strings.EqualFold(adv.Addr().String(), address)
	})
}

func (l *Link) scan(ctx context.Context, timeout time.Duration, key string, match func(ble.Advertisement) bool) (device.Peripheral, error) {
	dev, err := l.device()
	if err != nil {
		return nil, err
	}

	l.scanMu.Lock()
	defer l.scanMu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var found atomic.Pointer[peripheral]
	l.logger.WithFields(logrus.Fields{
		"key":     key,
		"timeout": timeout,
	}).Debug("Scanning...")

	err = dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
		if found.Load() != nil || !match(adv) {
			return
		}
		if found.CompareAndSwap(nil, &peripheral{name: adv.LocalName(), addr: adv.Addr()}) {
			cancel()
		}
	})

	if p := found.Load(); p != nil {
		l.logger.WithFields(logrus.Fields{
			"name":    p.name,
			"address": p.Address(),
		}).Debug("Peripheral matched")
		return p, nil
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, &device.NotFoundError{Resource: "peripheral", Key: key}
}

// Connect dials p, discovers its profile and starts watching for a link loss
func (l *Link) Connect(ctx context.Context, p device.Peripheral, onDisconnect func()) (device.Connection, error) {
	dev, err := l.device()
	if err != nil {
		return nil, err
	}

	var addr ble.Addr
	if bp, ok := p.(*peripheral); ok {
		addr = bp.addr
	} else {
		addr = ble.NewAddr(p.Address())
	}
	log := l.logger.WithField("address", addr.String())

	log.Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr.String(), device.NormalizeError(err))
	}

	log.Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	conn := newConnection(client, addr.String(), profile, log)
	log.WithField("channels", len(conn.channels)).Info("BLE device connected")

	if watched, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-disconnect-monitor:"+addr.String(), func(context.Context) {
			select {
			case <-watched.Disconnected():
				if conn.markLost() {
					log.Warn("Transport reported disconnection")
					if onDisconnect != nil {
						onDisconnect()
					}
				}
			case <-conn.closed:
			}
		})
	} else {
		log.Debug("Client does not expose Disconnected(), link loss is detected on I/O only")
	}
	return conn, nil
}
