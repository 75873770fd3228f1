package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTarget is returned when a Target does not carry exactly one identifier
var ErrInvalidTarget = errors.New("invalid target")

// Target identifies the peripheral to acquire, either by advertised name or by address.
type Target struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// ByName returns a name target
func ByName(name string) Target {
	return Target{Name: name}
}

// ByAddress returns an address target
func ByAddress(address string) Target {
	return Target{Address: address}
}

// Validate checks that exactly one of Name and Address is set
func (t Target) Validate() error {
	name := strings.TrimSpace(t.Name)
	addr := strings.TrimSpace(t.Address)
	switch {
	case name == "" && addr == "":
		return fmt.Errorf("%w: neither name nor address is set", ErrInvalidTarget)
	case name != "" && addr != "":
		return fmt.Errorf("%w: both name %q and address %q are set", ErrInvalidTarget, t.Name, t.Address)
	}
	return nil
}

// Key returns a stable identity usable as a registry key
func (t Target) Key() string {
	if t.Name != "" {
		return "name:" + t.Name
	}
	return "address:" + strings.ToLower(t.Address)
}

func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Address
}
