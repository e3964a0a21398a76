package rtp

import "time"

// Sequence-number bookkeeping constants from RFC 3550 Appendix A.1.
const (
	RTPSeqMod     = 1 << 16
	MaxDropout    = 3000
	MaxMisorder   = 100
	MinSequential = 2
)

// Source is the per-remote-participant receive-side record of spec §3.
// It is not safe for concurrent use; callers serialize access the same
// way the rest of the session core does (spec §5).
type Source struct {
	BaseSeq   uint16
	MaxSeq    uint16
	Cycles    uint32 // accumulated wraparounds, multiples of RTPSeqMod
	BadSeq    uint32 // RTPSeqMod+1 sentinel means "no prior bad"
	Probation int
	Received  uint32

	ExpectedPrior uint32
	ReceivedPrior uint32

	Transit int32  // most recent relative transit time
	Jitter  uint32 // 16x-scaled running estimate (RFC 3550 §A.8); reported value is Jitter>>4
	hasTransit bool

	// Sender status within the current RTCP observation window
	// (spec §3, Membership table). Cleared by Session.expireStaleSenders
	// after two reporting intervals with no RTP packet.
	Sender bool

	// LastActivity is the time of the last RTP or RTCP packet attributed
	// to this source, used for the lazily-enforced member timeout (spec
	// §3: five missed reporting intervals).
	LastActivity time.Time

	// LastRTPActivity is the time of the last RTP packet specifically
	// (never RTCP), used for the sender timeout (spec §4.3: two missed
	// reporting intervals without an RTP packet clears Sender). A source
	// heard only via RTCP (SDES heartbeats, say) never touches this and
	// so is never considered for sender demotion.
	LastRTPActivity time.Time

	metrics *Metrics
}

// Touch records activity from this source at t, resetting its member
// timeout.
func (s *Source) Touch(t time.Time) { s.LastActivity = t }

// TouchRTP records RTP-specific activity from this source at t,
// resetting its sender timeout.
func (s *Source) TouchRTP(t time.Time) { s.LastRTPActivity = t }

// NewSource creates a Source that requires Probation consecutive
// in-order packets before it contributes to reports. seq is the
// sequence number of the packet that caused this source to be created.
func NewSource(seq uint16, probation int) *Source {
	s := &Source{Probation: probation}
	s.init(seq)
	return s
}

// SetMetrics attaches a telemetry sink; nil disables telemetry.
func (s *Source) SetMetrics(m *Metrics) { s.metrics = m }

func (s *Source) init(seq uint16) {
	s.BaseSeq = seq
	s.MaxSeq = seq
	s.BadSeq = RTPSeqMod + 1
	s.Cycles = 0
	s.Received = 0
	s.ReceivedPrior = 0
	s.ExpectedPrior = 0
}

// Update applies a newly-received sequence number per spec §4.2 and
// reports whether the packet counts toward this source's statistics.
func (s *Source) Update(seq uint16) bool {
	if s.Probation > 0 {
		if seq == s.MaxSeq+1 {
			s.Probation--
			s.MaxSeq = seq
			if s.Probation == 0 {
				s.init(seq)
				s.Received = 1
				return true
			}
			return false
		}
		s.Probation = MinSequential - 1
		s.MaxSeq = seq
		if s.metrics != nil {
			s.metrics.ProbationReset.Inc()
		}
		return false
	}

	udelta := uint16(seq - s.MaxSeq)

	switch {
	case udelta < MaxDropout:
		if seq < s.MaxSeq {
			s.Cycles += RTPSeqMod
		}
		s.MaxSeq = seq
	case uint32(udelta) <= RTPSeqMod-MaxMisorder:
		if uint32(seq) == s.BadSeq {
			s.init(seq)
		} else {
			s.BadSeq = (uint32(seq) + 1) & (RTPSeqMod - 1)
			if s.metrics != nil {
				s.metrics.BadSeqMismatch.Inc()
			}
			return false
		}
	default:
		// duplicate or reorder within the misorder window: no
		// structural change
	}

	s.Received++
	return true
}

// Expected returns the number of packets expected so far, treating the
// sequence number as extended by Cycles.
func (s *Source) Expected() uint32 {
	return s.Cycles + uint32(s.MaxSeq) - uint32(s.BaseSeq) + 1
}

// Lost returns the cumulative number of packets lost, clipped to the
// signed 24-bit range so it can always be encoded in a ReceptionReport.
func (s *Source) Lost() int32 {
	expected := int64(s.Expected())
	lost := expected - int64(s.Received)
	const maxLost = 1<<23 - 1
	const minLost = -(1 << 23)
	if lost > maxLost {
		return maxLost
	}
	if lost < minLost {
		return minLost
	}
	return int32(lost)
}

// FractionLost computes the loss fraction since the previous call (or
// since creation for the first call) and resets the interval snapshots,
// per spec §4.2. It must be called exactly once per RR emission.
func (s *Source) FractionLost() uint8 {
	expected := s.Expected()
	expectedInterval := expected - s.ExpectedPrior
	s.ExpectedPrior = expected

	receivedInterval := s.Received - s.ReceivedPrior
	s.ReceivedPrior = s.Received

	lostInterval := int64(expectedInterval) - int64(receivedInterval)
	if expectedInterval == 0 || lostInterval <= 0 {
		return 0
	}
	return uint8((lostInterval << 8) / int64(expectedInterval))
}

// UpdateJitter applies RFC 3550 Appendix A.8's running jitter estimate.
// arrival and rtpTimestamp must already be expressed in the same
// payload-clock units (the caller converts wall-clock arrival time using
// the Profile's clock rate). The first call for a source only seeds the
// transit time; it does not update Jitter.
func (s *Source) UpdateJitter(arrival uint32, rtpTimestamp uint32) {
	transit := int32(arrival - rtpTimestamp)
	if s.hasTransit {
		d := transit - s.Transit
		if d < 0 {
			d = -d
		}
		s.Jitter += uint32(d) - ((s.Jitter + 8) >> 4)
	}
	s.Transit = transit
	s.hasTransit = true
}

// ReportedJitter returns the jitter value as placed in a ReceptionReport
// (the running estimate is kept 16x scaled internally per RFC 3550 §A.8).
func (s *Source) ReportedJitter() uint32 {
	return s.Jitter >> 4
}
