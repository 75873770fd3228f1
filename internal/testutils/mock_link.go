package testutils

import (
	"context"
	"time"

	"github.com/srg/blestream/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockLink is a testify mock of device.Link
type MockLink struct {
	mock.Mock
}

func (m *MockLink) ScanForName(ctx context.Context, name string, timeout time.Duration) (device.Peripheral, error) {
	args := m.Called(ctx, name, timeout)
	p, _ := args.Get(0).(device.Peripheral)
	return p, args.Error(1)
}

func (m *MockLink) ScanForAddress(ctx context.Context, address string, timeout time.Duration) (device.Peripheral, error) {
	args := m.Called(ctx, address, timeout)
	p, _ := args.Get(0).(device.Peripheral)
	return p, args.Error(1)
}

func (m *MockLink) Connect(ctx context.Context, p device.Peripheral, onDisconnect func()) (device.Connection, error) {
	args := m.Called(ctx, p, onDisconnect)
	conn, _ := args.Get(0).(device.Connection)
	return conn, args.Error(1)
}
