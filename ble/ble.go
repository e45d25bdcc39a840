// Package ble defines what the session layer needs from a native BLE stack.
//
// Adapters deliver radio events on channels rather than by calling into the session
// layer from their own threads; the session layer never shares a lock with adapter code.
package ble

import (
	"context"
	"errors"
	"fmt"
)

// ServiceUUID is the GATT service every peer advertises and scans for.
const ServiceUUID = "7a3f0001-5c1e-4b8a-9d2f-b1e5c0a1e7d0"

// Advertisement is what a scan reports, and what a peripheral puts on the air.
type Advertisement struct {
	Address     string // link-layer address; may rotate
	LocalName   string
	ServiceUUID string
	ServiceData []byte
	RSSI        int
}

// Link is one established connection, in either role.
//
// Write is writeValue on central links and sendNotify on peripheral links. Inbound carries
// notifications (central) or inbound writes (peripheral) and is closed when the link drops.
type Link interface {
	Handle() string
	Address() string
	MTU() int
	Write(p []byte) error
	Inbound() <-chan []byte
	Close() error
}

// Central is the scanning/connecting half of an adapter.
type Central interface {
	// Scan reports advertisements until ctx is done, then closes the channel.
	Scan(ctx context.Context) (<-chan Advertisement, error)
	// Connect dials an advertised address. Failures are *ConnectError.
	Connect(ctx context.Context, address string) (Link, error)
}

// Peripheral is the advertising/accepting half of an adapter.
type Peripheral interface {
	// StartAdvertise puts ad on the air and reports inbound connections until ctx is done or
	// StopAdvertise is called, then closes the channel.
	StartAdvertise(ctx context.Context, ad Advertisement) (<-chan Link, error)
	StopAdvertise() error
}

var (
	ErrLinkClosed    = errors.New("ble: link closed")
	ErrTooLarge      = errors.New("ble: write exceeds link MTU")
	ErrAdvertising   = errors.New("ble: already advertising")
	ErrAdapterClosed = errors.New("ble: adapter closed")
)

// ConnectError is a failed central connection attempt. It triggers backoff, never a crash.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ble: connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
