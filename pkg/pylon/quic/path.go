package quic

import (
	"crypto/rand"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// CHALLENGE_REPEAT_MAX is the number of unanswered path challenges
// tolerated before a path is declared failed (spec §4.3).
const challengeRepeatMax = 3

// numChallenges is the width of the concurrent-challenge window spec §3
// names ("up to N=3 concurrent 64-bit challenge values").
const numChallenges = 3

// Path represents a (local-address, peer-address, local-CID, remote-CID)
// 4-tuple with its own congestion and challenge lifecycle (spec §3/§4.3).
// Paths are owned by the Connection that resolves packets onto them; no
// path-internal locking is needed under the single-threaded model (§5).
type Path struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	LocalCID  ConnectionID
	RemoteCID ConnectionID

	// RemoteCIDSequence and RemoteCIDResetSecret describe the remote CID
	// currently bound to this path, as published by the peer's
	// NEW_CONNECTION_ID frame.
	RemoteCIDSequence    uint64
	RemoteCIDResetSecret [16]byte

	// Shadow address pair used while a NAT-rebinding or probe is being
	// validated without disturbing the path already in use.
	AltLocalAddr  net.Addr
	AltRemoteAddr net.Addr
	AltChallenges [numChallenges]uint64

	Challenges    [numChallenges]uint64
	ChallengeTime time.Time
	RepeatCount   int
	Verified      bool
	Failed        bool
	Required      bool

	SendMTU         uint64
	SmoothedRTT     time.Duration
	RetransmitTimer time.Duration

	CC     *CongestionController
	pacer  *rate.Limiter

	// IsRegistered: the path's CIDs are recorded in the connection's CID
	// bookkeeping. IsActivated: traffic has been observed on it.
	// IsPublished: its local CID (if any) has been sent to the peer.
	IsRegistered bool
	IsActivated  bool
	IsPublished  bool

	// ECN black-hole detection (SPEC_FULL §4.9, supplementing spec §4.3's
	// plain ECT0/ECT1/CE counting): once ECN marks have round-tripped
	// successfully this flips true; repeated failures to observe a
	// returning mark flips ecnFailed and disables further marking.
	ecnValidated bool
	ecnFailed    bool
	ecnAttempts  int

	// amplificationCredit bounds how many bytes an unvalidated
	// server-side path may send before the peer's address is confirmed
	// (RFC 9000 Section 8.1's 3x rule, SPEC_FULL §4.9).
	amplificationCredit uint64
	bytesReceivedTotal  uint64
}

func newPath(localAddr, remoteAddr net.Addr) *Path {
	p := &Path{
		LocalAddr:       localAddr,
		RemoteAddr:      remoteAddr,
		SendMTU:         kMaxDatagramSize,
		RetransmitTimer: 1 * time.Second,
		CC:              NewCongestionController(kMaxDatagramSize, nil),
		pacer:           rate.NewLimiter(rate.Inf, int(kInitialWindow)),
	}
	p.CC.SetPacingHook(p.refreshPacer)
	return p
}

// refreshPacer re-derives the pacer's rate from the congestion
// controller's current cwnd/RTT (RFC 9002 §7.7) every time Notify
// resolves, so the limiter tracks slow start, recovery, and avoidance
// instead of sitting at its construction-time burst allowance.
func (p *Path) refreshPacer(bytesPerSecond float64) {
	p.pacer.SetLimit(rate.Limit(bytesPerSecond))
}

// AllowSend reports whether n more bytes may be sent on this path right
// now without exceeding the pacer's rate, consistent with §5's no
// suspension points: callers check AllowN rather than blocking on Wait.
func (p *Path) AllowSend(n int, now time.Time) bool {
	return p.pacer.AllowN(now, n)
}

// PacingDelay reports how long a sender should wait before n more bytes
// would be allowed, without reserving or blocking. It returns
// rate.InfDuration when no wait makes n allowable (n exceeds the burst).
func (p *Path) PacingDelay(n int, now time.Time) time.Duration {
	r := p.pacer.ReserveN(now, n)
	if !r.OK() {
		return rate.InfDuration
	}
	delay := r.DelayFrom(now)
	r.Cancel()
	return delay
}

// rearmChallenge fills a fresh set of challenge values and resets the
// repeat/verified bookkeeping, per spec §4.3's "re-arm the primary path
// challenge" rule triggered whenever addresses or CIDs are freshly
// bound.
func (p *Path) rearmChallenge(now time.Time) error {
	for i := range p.Challenges {
		v, err := randomUint64()
		if err != nil {
			return err
		}
		p.Challenges[i] = v
	}
	p.Verified = false
	p.RepeatCount = 0
	p.ChallengeTime = now
	return nil
}

// matchesChallenge reports whether value is one of the three outstanding
// challenges issued on this path.
func (p *Path) matchesChallenge(value uint64) bool {
	for _, c := range p.Challenges {
		if c == value {
			return true
		}
	}
	return false
}

// OnPathResponse processes an echoed challenge value (spec §4.3
// "Challenge semantics").
func (p *Path) OnPathResponse(value uint64) {
	if p.matchesChallenge(value) {
		p.Verified = true
	}
}

// OnChallengeTimeout is called when retransmit_timer elapses without a
// matching PATH_RESPONSE; it either re-sends (caller's responsibility)
// or abandons the path once CHALLENGE_REPEAT_MAX is exceeded.
func (p *Path) OnChallengeTimeout() {
	p.RepeatCount++
	if p.RepeatCount > challengeRepeatMax {
		p.Failed = true
	}
}

// recordECNOutcome feeds the black-hole detector: a successful
// round-trip of an ECN-marked packet validates ECN for the path; enough
// consecutive failures disables it.
func (p *Path) recordECNOutcome(success bool) {
	if success {
		p.ecnValidated = true
		p.ecnAttempts = 0
		return
	}
	p.ecnAttempts++
	if p.ecnAttempts >= 3 && !p.ecnValidated {
		p.ecnFailed = true
	}
}

// ECNUsable reports whether this path may still mark outgoing packets.
func (p *Path) ECNUsable() bool {
	return !p.ecnFailed
}

// creditAmplification grants 3x the bytes received toward the
// anti-amplification budget, per RFC 9000 Section 8.1.
func (p *Path) creditAmplification(n uint64) {
	p.bytesReceivedTotal += n
	p.amplificationCredit = p.bytesReceivedTotal * 3
}

// CanSendUnvalidated reports whether n more bytes may be sent on this
// path before the peer's address has been validated.
func (p *Path) CanSendUnvalidated(n uint64) bool {
	if p.Verified {
		return true
	}
	return n <= p.amplificationCredit
}

// spendAmplification deducts from the credit after a send.
func (p *Path) spendAmplification(n uint64) {
	if n >= p.amplificationCredit {
		p.amplificationCredit = 0
	} else {
		p.amplificationCredit -= n
	}
}

func randomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// resolvePath implements spec §4.3's path-resolution algorithm for an
// incoming 1-RTT packet.
func (c *Connection) resolvePath(destCID ConnectionID, addrFrom, addrTo net.Addr) (*Path, error) {
	if c.config.LocalConnIDLen > 0 {
		var matchedByCID *Path
		for _, p := range c.Paths {
			if !p.LocalCID.Equal(destCID) {
				continue
			}
			if addrEqual(p.RemoteAddr, addrFrom) || addrEqual(p.AltRemoteAddr, addrFrom) {
				return c.admitAddress(p, addrFrom, addrTo)
			}
			matchedByCID = p
		}
		if matchedByCID == nil {
			return nil, newSegmentError(ErrKindCnxIDCheck, nil)
		}
		// The local CID is recognized, but this 4-tuple isn't bound to
		// any path yet: a NAT rebind or migration probe (spec §4.3). Give
		// it its own unvalidated path instead of overwriting the existing
		// path's RemoteAddr, so admitAddress's stash-dequeue/promotion
		// logic actually runs against it.
		np := newPath(nil, nil)
		np.LocalCID = destCID
		np.CC.SetCollector(c.congestionMetrics)
		c.Paths = append(c.Paths, np)
		return c.admitAddress(np, addrFrom, addrTo)
	}

	for _, p := range c.Paths {
		if addrEqual(p.RemoteAddr, addrFrom) && (p.LocalAddr == nil || addrEqual(p.LocalAddr, addrTo)) {
			if p.LocalAddr == nil {
				p.LocalAddr = addrTo
			}
			return c.admitAddress(p, addrFrom, addrTo)
		}
	}

	np := newPath(addrTo, addrFrom)
	np.IsPublished = true
	np.IsRegistered = true
	np.IsActivated = true
	np.CC.SetCollector(c.congestionMetrics)
	c.Paths = append(c.Paths, np)
	return np, nil
}

// admitAddress implements spec §4.3's "address handling on a matched
// path" rules.
func (c *Connection) admitAddress(p *Path, addrFrom, addrTo net.Addr) (*Path, error) {
	if addrEqual(p.RemoteAddr, addrFrom) {
		if p.LocalAddr == nil {
			p.LocalAddr = addrTo
		}
		p.IsActivated = true
		return p, nil
	}

	// Different peer address: probe or NAT rebinding.
	defaultPath := c.Paths[0]
	if defaultPath.RemoteCID != nil && p.RemoteCID == nil {
		if candidate := c.dequeueStashedCID(); candidate != nil {
			p.RemoteCID = candidate
		} else {
			// No CID available yet; do not activate, await
			// NEW_CONNECTION_ID from the peer.
			return p, nil
		}
	} else {
		p.AltRemoteAddr = addrFrom
		p.AltLocalAddr = addrTo
		for i := range p.AltChallenges {
			v, err := randomUint64()
			if err != nil {
				return nil, NewConnError(ErrKindMemory, TransportErrorInternal, err)
			}
			p.AltChallenges[i] = v
		}
	}

	if err := p.rearmChallenge(time.Now()); err != nil {
		return nil, NewConnError(ErrKindMemory, TransportErrorInternal, err)
	}

	if isCIDOnlyChange(defaultPath, p) {
		c.promotePath(p)
	}

	return p, nil
}

// isCIDOnlyChange reports whether candidate differs from the default
// path only in its CID, not its addresses — the condition spec §4.3
// requires for path promotion.
func isCIDOnlyChange(defaultPath, candidate *Path) bool {
	return addrEqual(defaultPath.LocalAddr, candidate.LocalAddr) &&
		addrEqual(defaultPath.RemoteAddr, candidate.RemoteAddr) &&
		!defaultPath.RemoteCID.Equal(candidate.RemoteCID)
}

// promotePath swaps candidate into path[0], stashing the old default's
// remote CID for retirement (spec §4.3 "Promotion").
func (c *Connection) promotePath(candidate *Path) {
	old := c.Paths[0]
	c.CIDStash = append(c.CIDStash, old.RemoteCID)

	for i, p := range c.Paths {
		if p == candidate {
			c.Paths[0], c.Paths[i] = c.Paths[i], c.Paths[0]
			break
		}
	}
}

// dequeueStashedCID pops one peer-issued CID off the stash, or nil if
// none is available.
func (c *Connection) dequeueStashedCID() ConnectionID {
	if len(c.CIDStash) == 0 {
		return nil
	}
	cid := c.CIDStash[0]
	c.CIDStash = c.CIDStash[1:]
	return cid
}

func addrEqual(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
