package quic

import (
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/pylon/pkg/pylon/quic/metrics"
)

// CUBIC congestion control (RFC 8312-style), grounded on picoquic's
// cubic.c. Replaces a from-scratch NewReno port: CUBIC is what the spec
// calls for, and picoquic's C implementation is the exact algorithm this
// Go port follows state-transition for state-transition.

const (
	// kMaxDatagramSize is the default UDP payload size pylon assumes
	// absent path MTU discovery.
	kMaxDatagramSize = 1200

	// kInitialWindow is RFC 9002 Section 7.2's initial congestion window.
	kInitialWindow = 10 * kMaxDatagramSize

	// kMinimumWindow is the floor the controller never drops below.
	kMinimumWindow = 2 * kMaxDatagramSize

	// cubicC is the CUBIC scaling constant (RFC 8312 Section 4.1).
	cubicC = 0.4

	// cubicBeta is the multiplicative window-decrease factor applied on
	// entering recovery.
	cubicBeta = 7.0 / 8.0

	// targetRenoRTT is the RTT (microseconds) at or below which slow
	// start grows cwnd by the bytes acknowledged; above it, that growth
	// is scaled up by smoothed_rtt/targetRenoRTT.
	targetRenoRTTUs = 100_000
)

// CongestionState names the three phases the controller cycles through.
type CongestionState int

const (
	CongestionStateSlowStart CongestionState = iota
	CongestionStateRecovery
	CongestionStateCongestionAvoidance
)

func (s CongestionState) String() string {
	switch s {
	case CongestionStateSlowStart:
		return "slow_start"
	case CongestionStateRecovery:
		return "recovery"
	case CongestionStateCongestionAvoidance:
		return "congestion_avoidance"
	default:
		return "unknown"
	}
}

// CongestionNotification is the single event API every interesting
// signal (ack, loss, timeout, ECN, spurious retransmit, RTT sample)
// funnels through, mirroring picoquic's picoquic_congestion_notify_t.
type CongestionNotification int

const (
	NotificationAcknowledgement CongestionNotification = iota
	NotificationRepeat                                 // packet-threshold loss
	NotificationTimeout                                // PTO fired
	NotificationECNCongestionEvent
	NotificationSpuriousRepeat
	NotificationRTTMeasurement
)

// cubicAlgState is the internal CUBIC state machine, distinct from the
// connection-visible CongestionState so recovery re-entry bookkeeping
// (recoverySequence, epoch timestamps) stays private to this file.
type cubicAlgState int

const (
	cubicAlgSlowStart cubicAlgState = iota
	cubicAlgRecovery
	cubicAlgCongestionAvoidance
)

// CongestionController implements RFC 8312 CUBIC with a Hystart++-style
// slow-start exit, one instance per Path.
type CongestionController struct {
	mu sync.RWMutex

	sendMTU uint64
	cwnd    uint64

	algState              cubicAlgState
	recoverySequence      uint64
	startOfEpochUs        uint64
	previousStartOfEpoch  uint64
	k                     float64
	wMax                  float64
	wLastMax              float64
	wReno                 float64
	ssthresh              uint64
	rttFilter             minMaxRTTFilter

	smoothedRTT time.Duration
	minRTT      time.Duration

	collector *metrics.CongestionCollector

	// pacingHook, if set, is invoked with the freshly computed pacing
	// rate after every cwnd/ssthresh update, so a path's pacer can track
	// it without this controller needing to know about Path or
	// rate.Limiter.
	pacingHook func(bytesPerSecond float64)
}

// SetPacingHook installs fn to be called after every Notify resolves,
// once the controller's window has settled into its new value.
func (c *CongestionController) SetPacingHook(fn func(bytesPerSecond float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pacingHook = fn
}

// SetCollector attaches a metrics collector to an already-constructed
// controller, so a path created before its owning connection's
// Prometheus registerer is known (e.g. a migration probe) still reports
// cwnd/ssthresh once the connection wires one in.
func (c *CongestionController) SetCollector(collector *metrics.CongestionCollector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collector = collector
	c.reportLocked()
}

// NewCongestionController creates a controller seeded at RFC 9002's
// initial window for the given path MTU.
func NewCongestionController(sendMTU uint64, collector *metrics.CongestionCollector) *CongestionController {
	if sendMTU == 0 {
		sendMTU = kMaxDatagramSize
	}
	c := &CongestionController{
		sendMTU:   sendMTU,
		cwnd:      kInitialWindow,
		algState:  cubicAlgSlowStart,
		ssthresh:  ^uint64(0),
		collector: collector,
	}
	c.wLastMax = float64(c.ssthresh) / float64(sendMTU)
	c.wMax = c.wLastMax
	c.wReno = float64(kInitialWindow)
	c.reportLocked()
	return c
}

// cubicRoot approximates the real cube root of x via Newton's method,
// the same bit-shift-seeded iteration picoquic_cubic_root uses so the K
// this produces matches picoquic's epoch offset closely enough for the
// curve shapes to agree.
func cubicRoot(x float64) float64 {
	if x == 0 {
		return 0
	}
	v := 1.0
	y := 1.0

	for v > x*8 {
		v /= 8
		y /= 2
	}
	for v < x {
		v *= 8
		y *= 2
	}

	for i := 0; i < 3; i++ {
		y2 := y * y
		y3 := y2 * y
		y += (x - y3) / (3.0 * y2)
	}

	return y
}

// wCubic computes W_cubic(t) = C * (t - K)^3 + W_max, t measured in
// seconds since the start of the current epoch.
func (c *CongestionController) wCubic(nowUs uint64) float64 {
	deltaTSec := float64(nowUs-c.startOfEpochUs)/1_000_000.0 - c.k
	return cubicC*(deltaTSec*deltaTSec*deltaTSec) + c.wMax
}

func (c *CongestionController) enterAvoidance(nowUs uint64) {
	c.k = cubicRoot(c.wMax * (1.0 - cubicBeta) / cubicC)
	c.algState = cubicAlgCongestionAvoidance
	c.startOfEpochUs = nowUs
	c.previousStartOfEpoch = nowUs
}

// enterRecovery applies CUBIC's multiplicative-decrease on a new loss
// signal, with fast convergence: if the window shrank below the last
// recorded max, the max itself is pulled down so a subsequent increase
// phase re-probes more conservatively (RFC 8312 Section 4.6).
func (c *CongestionController) enterRecovery(notification CongestionNotification, ackNumber, nowUs uint64) {
	c.recoverySequence = ackNumber
	c.wMax = float64(c.cwnd) / float64(c.sendMTU)

	if c.wMax < c.wLastMax {
		c.wLastMax = c.wMax
		c.wMax *= cubicBeta
	} else {
		c.wLastMax = c.wMax
	}

	c.ssthresh = uint64(c.wMax * cubicBeta * float64(c.sendMTU))

	if c.ssthresh < kMinimumWindow {
		c.ssthresh = ^uint64(0)
		c.algState = cubicAlgSlowStart
		c.previousStartOfEpoch = c.startOfEpochUs
		c.startOfEpochUs = nowUs
		c.wReno = kMinimumWindow
		c.cwnd = kMinimumWindow
		return
	}

	if notification == NotificationTimeout {
		c.cwnd = kMinimumWindow
		c.previousStartOfEpoch = c.startOfEpochUs
		c.startOfEpochUs = nowUs
		c.algState = cubicAlgSlowStart
		return
	}

	c.enterAvoidance(nowUs)
	wCubic := c.wCubic(nowUs)
	winCubic := uint64(wCubic * float64(c.sendMTU))
	c.wReno = float64(c.cwnd) / 2.0

	if winCubic > uint64(c.wReno) {
		c.cwnd = winCubic
	} else {
		c.cwnd = uint64(c.wReno)
	}
}

// correctSpurious rolls back a recovery entry that a later acknowledgment
// proved was triggered by a spurious retransmit: it restores W_max to its
// pre-recovery value and recomputes the epoch as if recovery had never
// happened (RFC 8312's rationale for tracking W_last_max separately).
func (c *CongestionController) correctSpurious(nowUs uint64) {
	c.wMax = c.wLastMax
	c.enterAvoidance(c.previousStartOfEpoch)
	wCubic := c.wCubic(nowUs)
	c.wReno = wCubic * float64(c.sendMTU)
	c.ssthresh = uint64(c.wMax * cubicBeta * float64(c.sendMTU))
	c.cwnd = uint64(c.wReno)
}

// Notify feeds one congestion signal into the controller. ackNumber is
// the packet number of the newest acknowledged packet in the application
// packet number space (used only to decide whether a loss is "new" or a
// stale re-signal inside the current recovery episode); nowUs is the
// current time in microseconds.
func (c *CongestionController) Notify(notification CongestionNotification, rttMeasurement time.Duration, nbBytesAcked, ackNumber, nowUs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.algState {
	case cubicAlgSlowStart:
		switch notification {
		case NotificationAcknowledgement:
			if c.smoothedRTT <= targetRenoRTTUs*time.Microsecond {
				c.cwnd += nbBytesAcked
			} else {
				delta := float64(c.smoothedRTT) / float64(targetRenoRTTUs*time.Microsecond)
				c.cwnd += uint64(delta * float64(nbBytesAcked))
			}
			if c.cwnd >= c.ssthresh {
				c.wReno = float64(c.cwnd) / 2.0
				c.enterAvoidance(nowUs)
			}
		case NotificationECNCongestionEvent, NotificationRepeat, NotificationTimeout:
			if nowUs-c.startOfEpochUs > uint64(c.smoothedRTT/time.Microsecond) ||
				c.recoverySequence <= ackNumber {
				c.enterRecovery(notification, ackNumber, nowUs)
			}
		case NotificationSpuriousRepeat:
			c.correctSpurious(nowUs)
		case NotificationRTTMeasurement:
			c.onRTTMeasurement(rttMeasurement, nowUs)
		}

	case cubicAlgRecovery:
		// Spurious-repeat always takes precedence, even inside recovery
		// re-entry — matches picoquic's ordering in cubic.c.
		if notification == NotificationSpuriousRepeat {
			c.correctSpurious(nowUs)
			break
		}
		switch notification {
		case NotificationAcknowledgement:
			c.algState = cubicAlgSlowStart
			c.cwnd += nbBytesAcked
			if c.cwnd >= c.ssthresh {
				c.algState = cubicAlgCongestionAvoidance
			}
		case NotificationECNCongestionEvent, NotificationRepeat, NotificationTimeout:
			if nowUs-c.startOfEpochUs > uint64(c.smoothedRTT/time.Microsecond) ||
				c.recoverySequence <= ackNumber {
				c.enterRecovery(notification, ackNumber, nowUs)
			}
		}

	case cubicAlgCongestionAvoidance:
		switch notification {
		case NotificationAcknowledgement:
			wCubic := c.wCubic(nowUs)
			winCubic := uint64(wCubic * float64(c.sendMTU))
			c.wReno += float64(nbBytesAcked) * float64(c.sendMTU) / c.wReno
			if winCubic > uint64(c.wReno) {
				c.cwnd = winCubic
			} else {
				c.cwnd = uint64(c.wReno)
			}
		case NotificationECNCongestionEvent, NotificationRepeat, NotificationTimeout:
			if nowUs-c.startOfEpochUs > uint64(c.smoothedRTT/time.Microsecond) ||
				c.recoverySequence <= ackNumber {
				c.enterRecovery(notification, ackNumber, nowUs)
			}
		case NotificationSpuriousRepeat:
			c.correctSpurious(nowUs)
		}
	}

	c.reportLocked()
}

// onRTTMeasurement runs the Hystart filter during slow start only (once
// ssthresh has been set by a loss, hystart no longer applies).
func (c *CongestionController) onRTTMeasurement(rttMeasurement time.Duration, nowUs uint64) {
	c.smoothedRTT = updateEWMA(c.smoothedRTT, rttMeasurement)
	if c.minRTT == 0 || rttMeasurement < c.minRTT {
		c.minRTT = rttMeasurement
	}

	if c.ssthresh != ^uint64(0) {
		return
	}

	rttUs := uint64(rttMeasurement / time.Microsecond)
	if !hystartTest(&c.rttFilter, rttUs, nowUs) {
		return
	}

	c.ssthresh = c.cwnd
	c.wMax = float64(c.cwnd) / float64(c.sendMTU)
	c.wLastMax = c.wMax
	c.wReno = float64(c.cwnd)
	c.enterAvoidance(nowUs)

	kMicro := uint64(c.k * 1_000_000.0)
	if kMicro > nowUs {
		c.k = float64(nowUs) / 1_000_000.0
		c.startOfEpochUs = 0
	} else {
		c.startOfEpochUs = nowUs - kMicro
	}
}

// updateEWMA applies RFC 6298's 1/8-weighted moving average.
func updateEWMA(current, sample time.Duration) time.Duration {
	if current == 0 {
		return sample
	}
	return current + (sample-current)/8
}

// CanSend reports whether bytesInFlight leaves room in the window for
// another full-size datagram.
func (c *CongestionController) CanSend(bytesInFlight uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bytesInFlight+c.sendMTU <= c.cwnd
}

// CWND returns the current congestion window in bytes.
func (c *CongestionController) CWND() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cwnd
}

// SSThresh returns the current slow-start threshold in bytes (all 1s
// while still in uncapped slow start).
func (c *CongestionController) SSThresh() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ssthresh
}

// State returns the connection-visible congestion state.
func (c *CongestionController) State() CongestionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.algState {
	case cubicAlgSlowStart:
		return CongestionStateSlowStart
	case cubicAlgRecovery:
		return CongestionStateRecovery
	default:
		return CongestionStateCongestionAvoidance
	}
}

// PacingRate returns bytes/sec the pacer should target: cwnd spread over
// one smoothed RTT, per RFC 9002 Section 7.7.
func (c *CongestionController) PacingRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pacingRateLocked()
}

func (c *CongestionController) pacingRateLocked() float64 {
	if c.smoothedRTT <= 0 {
		return float64(c.cwnd)
	}
	return float64(c.cwnd) / c.smoothedRTT.Seconds()
}

func (c *CongestionController) reportLocked() {
	if c.collector != nil {
		c.collector.ObserveWindow(float64(c.cwnd), float64(c.ssthresh), fmt.Sprint(c.algState))
	}
	if c.pacingHook != nil {
		c.pacingHook(c.pacingRateLocked())
	}
}
