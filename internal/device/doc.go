// Package device defines the Peripheral Link contract the acquisition core talks to:
// discovery of a peripheral by name or address, connection, channel enumeration and the
// subscribe/unsubscribe pair used to receive notifications.
//
// The package also owns the shared vocabulary of the core:
//   - Target, the name-or-address a caller asks to acquire
//   - Channel, a characteristic as seen by the scheduler
//   - typed connection errors and their normalisation from transport messages
//   - canonical UUID handling for channel identifiers
//
// A go-ble backed implementation lives in the go-ble subpackage.
package device
