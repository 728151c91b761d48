// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeo/bacstack/bacnet/internal/transport"
)

type clientOptions struct {
	localDeviceID      uint32
	localAddress       string
	networkNumber      uint16
	bbmdAddress        string
	foreignDeviceTTL   time.Duration
	secureEndpoint     string
	timeout            time.Duration
	retries            int
	retryDelay         time.Duration
	maxAPDULength      int
	segmentation       Segmentation
	proposedWindowSize uint8
	maxSegments        uint8
	onRenewalFailure   func(error)
	logger             *slog.Logger
	transport          transport.Transport
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		localAddress:       fmt.Sprintf("0.0.0.0:%d", DefaultPort),
		foreignDeviceTTL:   300 * time.Second,
		timeout:            3 * time.Second,
		retries:            3,
		retryDelay:         500 * time.Millisecond,
		maxAPDULength:      MaxAPDULength,
		segmentation:       SegmentationBoth,
		proposedWindowSize: 1,
		maxSegments:        7,
		logger:             slog.Default(),
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithDeviceID sets the local device instance number.
func WithDeviceID(id uint32) Option {
	return func(o *clientOptions) { o.localDeviceID = id }
}

// WithLocalAddress sets the local bind address as host:port.
func WithLocalAddress(addr string) Option {
	return func(o *clientOptions) { o.localAddress = addr }
}

// WithNetworkNumber sets the local network number used when routing.
func WithNetworkNumber(network uint16) Option {
	return func(o *clientOptions) { o.networkNumber = network }
}

// WithBBMD registers the client as a foreign device with the given
// BBMD for the given time-to-live. Registration is renewed in the
// background at three quarters of the TTL.
func WithBBMD(addr string, ttl time.Duration) Option {
	return func(o *clientOptions) {
		o.bbmdAddress = addr
		o.foreignDeviceTTL = ttl
	}
}

// WithSecureEndpoint routes all traffic over a QUIC secure link to the
// given hub instead of plain UDP.
func WithSecureEndpoint(endpoint string) Option {
	return func(o *clientOptions) { o.secureEndpoint = endpoint }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithRetries sets the retransmit budget for segmented transfers and
// registration renewals.
func WithRetries(n int) Option {
	return func(o *clientOptions) { o.retries = n }
}

// WithRetryDelay sets the delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(o *clientOptions) { o.retryDelay = d }
}

// WithMaxAPDULength sets the largest APDU the client accepts.
func WithMaxAPDULength(octets int) Option {
	return func(o *clientOptions) { o.maxAPDULength = octets }
}

// WithSegmentation declares the client's segmentation support.
func WithSegmentation(s Segmentation) Option {
	return func(o *clientOptions) { o.segmentation = s }
}

// WithProposedWindowSize sets the window proposed on segmented sends.
func WithProposedWindowSize(n uint8) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.proposedWindowSize = n
		}
	}
}

// WithRenewalFailureHandler installs a callback invoked when foreign
// device registration renewal exhausts its retries.
func WithRenewalFailureHandler(fn func(error)) Option {
	return func(o *clientOptions) { o.onRenewalFailure = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// withTransport injects a channel, used by tests.
func withTransport(t transport.Transport) Option {
	return func(o *clientOptions) { o.transport = t }
}

// DiscoverOption configures a Discover call.
type DiscoverOption func(*discoverOptions)

type discoverOptions struct {
	lowLimit  *uint32
	highLimit *uint32
	timeout   time.Duration
}

// WithDeviceRange limits Who-Is to the given instance range.
func WithDeviceRange(low, high uint32) DiscoverOption {
	return func(o *discoverOptions) {
		o.lowLimit = &low
		o.highLimit = &high
	}
}

// WithDiscoveryTimeout sets how long to collect I-Am replies.
func WithDiscoveryTimeout(d time.Duration) DiscoverOption {
	return func(o *discoverOptions) { o.timeout = d }
}

// ReadOption configures a ReadProperty call.
type ReadOption func(*readOptions)

type readOptions struct {
	arrayIndex *uint32
}

// WithArrayIndex reads a single element of an array property.
func WithArrayIndex(index uint32) ReadOption {
	return func(o *readOptions) { o.arrayIndex = &index }
}

// WriteOption configures a WriteProperty call.
type WriteOption func(*writeOptions) error

type writeOptions struct {
	arrayIndex *uint32
	priority   *uint8
}

// WithWriteArrayIndex writes a single element of an array property.
func WithWriteArrayIndex(index uint32) WriteOption {
	return func(o *writeOptions) error {
		o.arrayIndex = &index
		return nil
	}
}

// WithPriority writes at the given command priority, 1 through 16.
func WithPriority(priority uint8) WriteOption {
	return func(o *writeOptions) error {
		if priority < 1 || priority > 16 {
			return fmt.Errorf("bacnet: priority %d out of range 1..16", priority)
		}
		o.priority = &priority
		return nil
	}
}

// SubscribeOption configures a COV subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	lifetime  time.Duration
	confirmed bool
	increment *float32
}

// WithSubscriptionLifetime sets the subscription lifetime. Zero means
// indefinite.
func WithSubscriptionLifetime(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) { o.lifetime = d }
}

// WithConfirmedNotifications requests confirmed COV notifications.
func WithConfirmedNotifications() SubscribeOption {
	return func(o *subscribeOptions) { o.confirmed = true }
}

// WithCOVIncrement sets the change threshold for property
// subscriptions.
func WithCOVIncrement(increment float32) SubscribeOption {
	return func(o *subscribeOptions) { o.increment = &increment }
}
