// Package transport defines the pub/sub client capability the bridge consumes.
//
// Ownership boundary:
// - client/context creation (Driver)
// - asynchronous add + readiness polling of subscriptions and publications
// - fragment polling and buffer offers
//
// Adapters live in subpackages (aeron, redis, amqp, gossip, memory). Flow
// control, fragment reassembly and connection management stay inside the
// adapter's underlying library.
package transport

import (
	"errors"
	"strings"
	"time"
)

// ChannelScheme is the required prefix of every channel URI.
const ChannelScheme = "aeron:"

var (
	ErrNotConnected        = errors.New("transport: offer failed, publication not connected")
	ErrBackPressured       = errors.New("transport: offer failed, back pressured")
	ErrAdminAction         = errors.New("transport: offer failed, admin action")
	ErrPublicationClosed   = errors.New("transport: offer failed, publication closed")
	ErrMaxPositionExceeded = errors.New("transport: offer failed, max position exceeded")
	ErrClientClosed        = errors.New("transport: client closed")
	ErrUnknownRegistration = errors.New("transport: unknown registration id")
)

// FragmentHandler receives one fragment. The slice is only valid for the
// duration of the call.
type FragmentHandler func(fragment []byte)

// ClientConfig configures the shared client/context.
type ClientConfig struct {
	// Dir is the transport's local directory (Aeron media driver dir); empty uses the library default.
	Dir     string
	Timeout time.Duration
}

// Driver initializes a context and starts a client bound to it.
type Driver interface {
	Name() string
	Connect(cfg ClientConfig) (Client, error)
}

// Client is the shared transport session reused by every handle in a process.
type Client interface {
	// AsyncAddSubscription starts adding a subscription and returns its registration id.
	AsyncAddSubscription(channel string, streamID int32) (int64, error)
	// PollSubscription returns (nil, nil) while the add is pending.
	PollSubscription(registrationID int64) (Subscription, error)
	AsyncAddPublication(channel string, streamID int32) (int64, error)
	PollPublication(registrationID int64) (Publication, error)
	// Cancel abandons a pending add, closing the resource if it already materialised.
	Cancel(registrationID int64) error
	Close() error
}

type Subscription interface {
	// Poll delivers up to fragmentLimit fragments synchronously and returns the count.
	Poll(handler FragmentHandler, fragmentLimit int) (int, error)
	Close() error
}

type Publication interface {
	// Offer is non-blocking. On failure it returns one of the Err* offer sentinels
	// (or an adapter error) instead of waiting.
	Offer(buf []byte) (int64, error)
	Close() error
}

// ValidChannel reports whether channel carries the required scheme prefix.
func ValidChannel(channel string) bool {
	return strings.HasPrefix(channel, ChannelScheme) && len(channel) > len(ChannelScheme)
}

// IsRetryableOffer reports whether a failed offer may succeed if retried.
func IsRetryableOffer(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrBackPressured) ||
		errors.Is(err, ErrAdminAction)
}
