package bacnet

import (
	"context"
	"fmt"
	"net"
	"time"
)

// bbmdReplyTimeout bounds the wait for a BBMD admin reply.
const bbmdReplyTimeout = 2 * time.Second

// minRenewalInterval floors the foreign device renewal period.
const minRenewalInterval = time.Second

// RegisterForeignDevice registers this client in the BBMD's foreign
// device table for the given time-to-live. Renewal is the caller's
// concern; Connect arranges it automatically when WithBBMD is set.
func (c *Client) RegisterForeignDevice(ctx context.Context, bbmdAddr string, ttl time.Duration) error {
	addr, err := net.ResolveUDPAddr("udp4", bbmdAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	seconds := int64(ttl / time.Second)
	if seconds < 1 || seconds > 65535 {
		return fmt.Errorf("%w: ttl %s out of range", ErrRegistrationFailed, ttl)
	}

	c.bbmdMu.Lock()
	defer c.bbmdMu.Unlock()
	c.metrics.BBMDRequests.Inc()

	frame := EncodeRegisterForeignDevice(uint16(seconds))
	if _, err := c.transport.Send(ctx, addr, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	reply, err := c.awaitBVLCReply(ctx, addr, BVLCResult)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	code, err := DecodeBVLCResult(reply.payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if code != BVLCResultSuccess {
		return fmt.Errorf("%w: bbmd returned 0x%04X", ErrRegistrationFailed, code)
	}

	c.registered.Store(true)
	c.logger.Info("registered as foreign device", "bbmd", bbmdAddr, "ttl", ttl)
	return nil
}

// renewalLoop re-registers with the BBMD at three quarters of the TTL.
// Each renewal gets the configured retry budget; an exhausted budget is
// reported to the owner and the loop keeps trying on schedule.
func (c *Client) renewalLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.opts.foreignDeviceTTL * 3 / 4
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.renewOnce(ctx); err != nil {
				c.registered.Store(false)
				c.metrics.RegistrationFailures.Inc()
				c.logger.Warn("foreign device renewal failed", "bbmd", c.opts.bbmdAddress, "err", err)
				if c.opts.onRenewalFailure != nil {
					c.opts.onRenewalFailure(err)
				}
			} else {
				c.metrics.RegistrationRenewals.Inc()
			}
		}
	}
}

func (c *Client) renewOnce(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.retryDelay):
			}
		}
		lastErr = c.RegisterForeignDevice(ctx, c.opts.bbmdAddress, c.opts.foreignDeviceTTL)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// ReadBDT reads the broadcast distribution table from a BBMD.
func (c *Client) ReadBDT(ctx context.Context, bbmdAddr string) ([]BDTEntry, error) {
	addr, err := net.ResolveUDPAddr("udp4", bbmdAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableOperation, err)
	}

	c.bbmdMu.Lock()
	defer c.bbmdMu.Unlock()
	c.metrics.BBMDRequests.Inc()

	frame := EncodeBVLC(BVLCReadBroadcastDistTable, nil)
	if _, err := c.transport.Send(ctx, addr, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableOperation, err)
	}

	reply, err := c.awaitBVLCReply(ctx, addr, BVLCReadBroadcastDistTableAck, BVLCResult)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableOperation, err)
	}
	if reply.function == BVLCResult {
		code, _ := DecodeBVLCResult(reply.payload)
		return nil, fmt.Errorf("%w: bbmd returned 0x%04X", ErrTableOperation, code)
	}
	return DecodeBDT(reply.payload)
}

// WriteBDT replaces the broadcast distribution table on a BBMD.
func (c *Client) WriteBDT(ctx context.Context, bbmdAddr string, entries []BDTEntry) error {
	addr, err := net.ResolveUDPAddr("udp4", bbmdAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableOperation, err)
	}
	payload, err := EncodeBDT(entries)
	if err != nil {
		return err
	}

	c.bbmdMu.Lock()
	defer c.bbmdMu.Unlock()
	c.metrics.BBMDRequests.Inc()

	frame := EncodeBVLC(BVLCWriteBroadcastDistTable, payload)
	if _, err := c.transport.Send(ctx, addr, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTableOperation, err)
	}

	reply, err := c.awaitBVLCReply(ctx, addr, BVLCResult)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableOperation, err)
	}
	code, err := DecodeBVLCResult(reply.payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableOperation, err)
	}
	if code != BVLCResultSuccess {
		return fmt.Errorf("%w: bbmd returned 0x%04X", ErrTableOperation, code)
	}
	return nil
}

// ReadFDT reads the foreign device table from a BBMD.
func (c *Client) ReadFDT(ctx context.Context, bbmdAddr string) ([]FDTEntry, error) {
	addr, err := net.ResolveUDPAddr("udp4", bbmdAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableOperation, err)
	}

	c.bbmdMu.Lock()
	defer c.bbmdMu.Unlock()
	c.metrics.BBMDRequests.Inc()

	frame := EncodeBVLC(BVLCReadForeignDeviceTable, nil)
	if _, err := c.transport.Send(ctx, addr, frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableOperation, err)
	}

	reply, err := c.awaitBVLCReply(ctx, addr, BVLCReadForeignDeviceTableAck, BVLCResult)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableOperation, err)
	}
	if reply.function == BVLCResult {
		code, _ := DecodeBVLCResult(reply.payload)
		return nil, fmt.Errorf("%w: bbmd returned 0x%04X", ErrTableOperation, code)
	}
	return DecodeFDT(reply.payload)
}

// DeleteFDTEntry removes one foreign device registration from a BBMD.
func (c *Client) DeleteFDTEntry(ctx context.Context, bbmdAddr string, entry *net.UDPAddr) error {
	addr, err := net.ResolveUDPAddr("udp4", bbmdAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableOperation, err)
	}
	payload, err := encodeBVLCAddress(entry)
	if err != nil {
		return err
	}

	c.bbmdMu.Lock()
	defer c.bbmdMu.Unlock()
	c.metrics.BBMDRequests.Inc()

	frame := EncodeBVLC(BVLCDeleteForeignDeviceEntry, payload)
	if _, err := c.transport.Send(ctx, addr, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTableOperation, err)
	}

	reply, err := c.awaitBVLCReply(ctx, addr, BVLCResult)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableOperation, err)
	}
	code, err := DecodeBVLCResult(reply.payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableOperation, err)
	}
	if code != BVLCResultSuccess {
		return fmt.Errorf("%w: bbmd returned 0x%04X", ErrTableOperation, code)
	}
	return nil
}

// awaitBVLCReply waits for the next BVLC admin reply of one of the
// wanted functions from the expected peer. Frames from other sources
// are skipped, not consumed as answers.
func (c *Client) awaitBVLCReply(ctx context.Context, from *net.UDPAddr, want ...BVLCFunction) (bvlcReply, error) {
	timer := time.NewTimer(bbmdReplyTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return bvlcReply{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-timer.C:
			return bvlcReply{}, ErrTimeout
		case reply, ok := <-c.bvlcReplies:
			if !ok {
				return bvlcReply{}, ErrConnectionClosed
			}
			if !sameUDPSource(reply.from, from) {
				c.logger.Debug("skipping bvlc reply from unexpected source", "from", fmt.Sprint(reply.from))
				continue
			}
			for _, w := range want {
				if reply.function == w {
					return reply, nil
				}
			}
			c.logger.Debug("skipping unexpected bvlc function", "function", reply.function.String())
		}
	}
}

func sameUDPSource(got net.Addr, want *net.UDPAddr) bool {
	udp, ok := got.(*net.UDPAddr)
	if !ok {
		return got.String() == want.String()
	}
	return udp.IP.Equal(want.IP) && udp.Port == want.Port
}
