package clientside

import "math"

// QualityLevel is a coarse, informational classification of the link to
// the server. It never changes buffering or wire behavior — callers may
// use it to show a signal-strength-style indicator.
type QualityLevel string

const (
	QualityGood     QualityLevel = "good"
	QualityModerate QualityLevel = "moderate"
	QualityPoor     QualityLevel = "poor"
)

// classifyQuality maps a smoothed round-trip time to a QualityLevel.
// Grounded on the teacher's qualityLevel(loss, rttMs, jitterMs, dropRate)
// thresholds, narrowed to RTT alone: this module's transport is a
// reliable ordered stream (spec §6), so there is no packet loss to
// measure, and inter-arrival jitter is already absorbed by the
// RingBuffer rather than surfaced here.
func classifyQuality(rttMs float64) QualityLevel {
	switch {
	case rttMs >= 300:
		return QualityPoor
	case rttMs >= 100:
		return QualityModerate
	default:
		return QualityGood
	}
}

// updateRTT applies RFC 6298's EWMA (α=0.125) to the
// round-trip sample derived from a LATENCY_PROBE/LATENCY_RESPONSE pair,
// grounded on the teacher's smoothedRTT update in client/transport.go,
// and re-derives the half-RTT and quality classification from it.
func (c *ClientCore) updateRTT(sampleNs float64) {
	const alpha = 0.125

	old := math.Float64frombits(c.smoothedRTTNs.Load())
	next := sampleNs
	if old > 0 {
		next = alpha*sampleNs + (1-alpha)*old
	}
	c.smoothedRTTNs.Store(math.Float64bits(next))
	c.halfRTTNs.Store(int64(next / 2))

	level := classifyQuality(next / float64(1e6))
	prev, _ := c.quality.Swap(level).(QualityLevel)
	if prev != level && c.opts.Listeners.OnQualityChange != nil {
		c.opts.Listeners.OnQualityChange(level)
	}
}

// SmoothedRTTMs returns the current EWMA round-trip estimate in
// milliseconds, or 0 before the first LATENCY_RESPONSE arrives.
func (c *ClientCore) SmoothedRTTMs() float64 {
	return math.Float64frombits(c.smoothedRTTNs.Load()) / float64(1e6)
}

// Quality returns the current coarse connection-quality classification.
func (c *ClientCore) Quality() QualityLevel {
	level, _ := c.quality.Load().(QualityLevel)
	if level == "" {
		return QualityGood
	}
	return level
}
