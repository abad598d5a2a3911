package clientside

import (
	"context"
	"time"

	"github.com/kj5hst/airrelay/internal/protocol"
	"github.com/kj5hst/airrelay/internal/wire"
)

const receiveWorkerPollInterval = 100 * time.Millisecond

// runReceiveWorker drains packets until a terminal condition, dispatching
// by type (spec §4.8 worker 1). terminate is called exactly once, the first
// time this worker (or any sibling) decides the session is over.
func (c *ClientCore) runReceiveWorker(ctx context.Context, terminate func(error)) {
	h := c.handlerSnapshot()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p, err := h.Receive(receiveWorkerPollInterval)
		if err == protocol.ErrNone {
			continue
		}
		if err != nil {
			terminate(err)
			return
		}

		switch p.Type {
		case wire.PacketAudioRX:
			if rx := c.rxBufSnapshot(); rx != nil {
				rx.Write(p.Payload)
			}
			if fn := c.opts.Listeners.OnRawAudio; fn != nil {
				fn(p.Payload)
			}

		case wire.PacketControl:
			msg, perr := wire.ParseControlMessage(p.Payload)
			if perr != nil {
				continue
			}
			switch msg.Tag {
			case wire.TagLatencyResponse:
				c.recordLatencyResponse(msg.ProbeTimestampNs)
			case wire.TagTxGranted:
				if fn := c.opts.Listeners.OnTxGranted; fn != nil {
					fn()
				}
			case wire.TagTxDenied:
				if fn := c.opts.Listeners.OnTxDenied; fn != nil {
					fn(msg.OwnerID)
				}
			case wire.TagTxPreempted:
				if fn := c.opts.Listeners.OnTxPreempted; fn != nil {
					fn(msg.OwnerID)
				}
			case wire.TagTxReleased:
				if fn := c.opts.Listeners.OnTxReleased; fn != nil {
					fn()
				}
			case wire.TagClientsUpdate:
				if fn := c.opts.Listeners.OnClientsUpdate; fn != nil {
					fn(msg)
				}
			case wire.TagError:
				terminate(errProtocol(msg.Text))
				return
			case wire.TagDisconnect:
				terminate(errDisconnected)
				return
			}

		case wire.PacketHeartbeat:
			// The client, unlike the server, echoes an explicit ACK on the
			// control channel so the peer can distinguish "alive" from
			// "alive and acknowledging" (spec §4.8).
			h.SendControl(wire.ControlMessage{Tag: wire.TagHeartbeatAck})
		}
	}
}

// runPlaybackWorker pre-buffers, then drains the RX buffer at frame cadence,
// writing silence on an empty read to preserve cadence, and zeros while
// playback_muted to honor PTT without losing cadence (spec §4.8 worker 2).
func (c *ClientCore) runPlaybackWorker(ctx context.Context) {
	rx := c.rxBufSnapshot()
	format := c.formatSnapshot()
	policy := c.policySnapshot()
	if rx == nil || c.opts.Playback == nil {
		return
	}

	frameMs := time.Duration(format.FrameMs) * time.Millisecond
	frameBytes := format.BytesPerFrame()
	targetBytes := int(float64(policy.TargetMs) * format.BytesPerMs())

	bufferDeadline := time.Now().Add(InitialBufferingMax)
	for rx.Available() < targetBytes && time.Now().Before(bufferDeadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}

	frame := make([]byte, frameBytes)
	silence := make([]byte, frameBytes)
	ticker := time.NewTicker(frameMs)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := rx.Read(frame, captureReadTimeoutMult*frameMs)
			out := frame[:max0(n)]
			if n <= 0 || c.playbackMuted.Load() {
				out = silence
			}
			c.opts.Playback.Write(out)
		}
	}
}

// runCaptureWorker reads one frame at a time from the capture device,
// duplicating mono into stereo when the sink expects more channels than the
// source provides, and writes into the TX buffer unless capture_muted
// (spec §4.8 worker 3).
func (c *ClientCore) runCaptureWorker(ctx context.Context) {
	tx := c.txBufSnapshot()
	format := c.formatSnapshot()
	if tx == nil || c.opts.Capture == nil {
		return
	}

	srcChannels := c.opts.Capture.Channels()
	frameBytes := format.BytesPerFrame()
	readBuf := make([]byte, frameBytes)
	if srcChannels == 1 && format.Channels == 2 {
		readBuf = make([]byte, frameBytes/2)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.opts.Capture.Read(readBuf)
		if err != nil || n <= 0 {
			if err != nil {
				return
			}
			continue
		}
		if c.captureMuted.Load() {
			continue
		}

		if srcChannels == 1 && format.Channels == 2 {
			tx.Write(duplicateMonoToStereo(readBuf[:n], format.BytesPerSample()))
		} else {
			tx.Write(readBuf[:n])
		}
	}
}

// duplicateMonoToStereo interleaves each mono sample twice, sample-size
// bytes at a time.
func duplicateMonoToStereo(mono []byte, sampleBytes int) []byte {
	out := make([]byte, len(mono)*2)
	for i := 0; i+sampleBytes <= len(mono); i += sampleBytes {
		copy(out[2*i:], mono[i:i+sampleBytes])
		copy(out[2*i+sampleBytes:], mono[i:i+sampleBytes])
	}
	return out
}

// runSendWorker drains the TX buffer frame-by-frame and emits AUDIO_TX
// packets (spec §4.8 worker 4).
func (c *ClientCore) runSendWorker(ctx context.Context) {
	tx := c.txBufSnapshot()
	format := c.formatSnapshot()
	h := c.handlerSnapshot()
	if tx == nil {
		return
	}

	frameMs := time.Duration(format.FrameMs) * time.Millisecond
	frameBytes := format.BytesPerFrame()
	frame := make([]byte, frameBytes)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n := tx.Read(frame, captureReadTimeoutMult*frameMs)
		if n <= 0 {
			continue
		}
		h.SendTXAudio(frame[:n])
	}
}

// runHeartbeatWorker sends HEARTBEATs, probes latency, and escalates a
// connection timeout to the terminate callback (spec §4.8 worker 5).
func (c *ClientCore) runHeartbeatWorker(ctx context.Context, terminate func(error)) {
	h := c.handlerSnapshot()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.IsConnectionTimedOut() {
				terminate(errConnectionTimedOut)
				return
			}
			if h.ShouldSendHeartbeat() {
				h.SendHeartbeat()
			}
			h.SendControl(wire.ControlMessage{Tag: wire.TagLatencyProbe, ProbeTimestampNs: uint64(time.Now().UnixNano())})
		}
	}
}

func (c *ClientCore) recordLatencyResponse(probeTimestampNs uint64) {
	now := uint64(time.Now().UnixNano())
	if now < probeTimestampNs {
		return
	}
	c.updateRTT(float64(now - probeTimestampNs))
}

func (c *ClientCore) handlerSnapshot() *protocol.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *ClientCore) formatSnapshot() wire.StreamFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

func (c *ClientCore) policySnapshot() wire.BufferPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
