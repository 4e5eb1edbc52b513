package quic

// Hystart++-style RTT-increase filter used by the CUBIC controller to
// detect when slow start has overshot, ahead of any packet loss.
// Grounded on picoquic's cc_common.c (picoquic_filter_rtt_min_max,
// picoquic_hystart_test).

// minMaxRTTScope is the number of RTT samples the ring buffer retains and
// also the excess-sample threshold that signals "get out of slow start".
const minMaxRTTScope = 4

// minMaxRTTFilter tracks a ring buffer of the last minMaxRTTScope RTT
// samples (at most one sample per millisecond) and the running minimum
// of each window's max, used to detect a sustained RTT increase.
type minMaxRTTFilter struct {
	samples          [minMaxRTTScope]uint64
	sampleCurrent    int
	isInit           bool
	sampleMin        uint64
	sampleMax        uint64
	rttFilteredMin   uint64
	nbRTTExcess      int
	lastSampleTimeUs uint64
}

// filter folds a new RTT sample (microseconds) into the ring buffer and
// recomputes sampleMin/sampleMax over the current window.
func (f *minMaxRTTFilter) filter(rtt uint64) {
	x := f.sampleCurrent
	f.samples[x] = rtt

	f.sampleCurrent = x + 1
	if f.sampleCurrent >= minMaxRTTScope {
		f.isInit = true
		f.sampleCurrent = 0
	}

	xMax := f.sampleCurrent
	if f.isInit {
		xMax = minMaxRTTScope
	} else {
		xMax = x + 1
	}

	f.sampleMin = f.samples[0]
	f.sampleMax = f.samples[0]

	for i := 1; i < xMax; i++ {
		if f.samples[i] < f.sampleMin {
			f.sampleMin = f.samples[i]
		} else if f.samples[i] > f.sampleMax {
			f.sampleMax = f.samples[i]
		}
	}
}

// hystartTest folds rttMeasurement (microseconds) into the filter at most
// once per millisecond of wall-clock time (nowUs) and reports whether the
// smoothed RTT has risen enough, for enough consecutive windows, to signal
// slow-start exit.
func hystartTest(f *minMaxRTTFilter, rttMeasurement, nowUs uint64) bool {
	if nowUs <= f.lastSampleTimeUs+1000 {
		return false
	}

	f.filter(rttMeasurement)
	f.lastSampleTimeUs = nowUs

	if !f.isInit {
		return false
	}

	if f.rttFilteredMin == 0 || f.rttFilteredMin > f.sampleMax {
		f.rttFilteredMin = f.sampleMax
	}

	if f.sampleMin <= f.rttFilteredMin {
		return false
	}

	deltaRTT := f.sampleMin - f.rttFilteredMin
	if deltaRTT*4 <= f.rttFilteredMin {
		f.nbRTTExcess = 0
		return false
	}

	f.nbRTTExcess++
	return f.nbRTTExcess >= minMaxRTTScope
}
