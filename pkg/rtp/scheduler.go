package rtp

import (
	"math/rand"
	"time"
)

// EventKind distinguishes a scheduled RTCP report transmission from a
// pending local departure (spec §4.4).
type EventKind int

const (
	EventReport EventKind = iota
	EventBye
)

// rtcpMinTime is RFC 3550's minimum average time between RTCP packets,
// halved while Initial is true.
const rtcpMinTime = 5.0

// senderBandwidthFraction is the share of RTCP bandwidth reserved for
// senders while they are a minority of the membership.
const senderBandwidthFraction = 0.25

// compensation corrects the bias introduced by timer reconsideration
// (e - 1.5).
const compensation = 2.718281828459045 - 1.5

// seedAvgRTCPSize is the initial average RTCP packet size estimate
// (spec §3): an IP/UDP header (28) plus a typical RTCP compound (20).
const seedAvgRTCPSize = 28 + 20

// Scheduler is the RTCP transmission scheduler of spec §4.4: it decides
// when to transmit a report or BYE, and updates the state variables the
// reconsideration algorithm depends on. It holds no transport or codec
// dependency; the Session facade calls it and performs the actual
// encode/send.
type Scheduler struct {
	WeSSRC uint32

	Initial bool
	WeSent  bool

	SessionBandwidth float64 // bits/sec
	AvgRTCPSize      float64 // octets

	Tp time.Time // last transmit time
	Tn time.Time // next scheduled transmit time

	Pmembers int // membership count as of the last reschedule

	Members *Membership

	// RandFloat returns a uniform value in [0,1); overridable for
	// deterministic tests. Defaults to rand.Float64.
	RandFloat func() float64

	Metrics *Metrics
}

// NewScheduler creates a Scheduler for a session whose local SSRC is
// weSSRC and whose aggregate bandwidth budget is sessionBandwidthBps
// bits/sec. now seeds Tp, and the first Tn is now plus one computed
// interval.
func NewScheduler(weSSRC uint32, sessionBandwidthBps float64, members *Membership, now time.Time) *Scheduler {
	s := &Scheduler{
		WeSSRC:           weSSRC,
		Initial:          true,
		SessionBandwidth: sessionBandwidthBps,
		AvgRTCPSize:      seedAvgRTCPSize,
		Tp:               now,
		Pmembers:         1,
		Members:          members,
	}
	s.Tn = now.Add(s.Interval())
	return s
}

// rtcpBandwidth is rtcp_bw, 5% of the session bandwidth expressed in
// octets/sec (spec §3, explicit formula on a bits/sec session bandwidth,
// rather than the original's bandwidth*6.25 shortcut on kb/s).
func (s *Scheduler) rtcpBandwidth() float64 {
	return s.SessionBandwidth * 0.05 / 8
}

func (s *Scheduler) randFloat() float64 {
	if s.RandFloat != nil {
		return s.RandFloat()
	}
	return rand.Float64()
}

// Interval computes rtcp_interval() (spec §4.4) from the scheduler's
// current numeric state.
func (s *Scheduler) Interval() time.Duration {
	members, senders := 1, 0
	if s.Members != nil {
		members, senders = s.Members.MemberCount(), s.Members.SenderCount()
	}
	seconds := ComputeInterval(IntervalParams{
		Initial:       s.Initial,
		Members:       members,
		Senders:       senders,
		WeSent:        s.WeSent,
		RTCPBandwidth: s.rtcpBandwidth(),
		AvgRTCPSize:   s.AvgRTCPSize,
		RandFloat:     s.randFloat,
	})
	if s.Metrics != nil {
		s.Metrics.Interval.Observe(seconds)
	}
	return time.Duration(seconds * float64(time.Second))
}

// IntervalParams is the pure-function input to ComputeInterval, broken
// out so the formula is testable without a live Scheduler (spec §8).
type IntervalParams struct {
	Initial       bool
	Members       int
	Senders       int
	WeSent        bool
	RTCPBandwidth float64 // octets/sec
	AvgRTCPSize   float64 // octets
	RandFloat     func() float64
}

// ComputeInterval implements rtcp_interval() (spec §4.4) as a pure
// function of its numeric inputs.
func ComputeInterval(p IntervalParams) float64 {
	minTime := rtcpMinTime
	if p.Initial {
		minTime /= 2
	}

	n := p.Members
	bw := p.RTCPBandwidth
	if p.Senders > 0 && float64(p.Senders) <= float64(p.Members)*senderBandwidthFraction {
		if p.WeSent {
			bw *= senderBandwidthFraction
			n = p.Senders
		} else {
			bw *= 1 - senderBandwidthFraction
			n = p.Members - p.Senders
		}
	}

	t := p.AvgRTCPSize * float64(n) / bw
	if t < minTime {
		t = minTime
	}

	randFn := p.RandFloat
	if randFn == nil {
		randFn = rand.Float64
	}
	t *= 0.5 + randFn() // uniform in [0.5, 1.5)
	return t / compensation
}

// ExpireOutcome reports what On Timer Expiry decided.
type ExpireOutcome struct {
	Transmitted bool      // true if a report/BYE should be sent now
	Terminal    bool      // true if the event was BYE and it was sent
	NextTimer   time.Time // when the caller should re-arm its timer
}

// OnExpire implements "on timer expiry for event e" (spec §4.4). The
// caller is responsible for building and sending the compound packet
// when Transmitted is true, then calling AfterReportTransmit (for
// EventReport) to finish the bookkeeping that step requires.
func (s *Scheduler) OnExpire(kind EventKind, tc time.Time) ExpireOutcome {
	t := s.Interval()
	tn := s.Tp.Add(t)

	if tn.After(tc) {
		s.Tn = tn
		return ExpireOutcome{Transmitted: false, NextTimer: tn}
	}

	if kind == EventBye {
		return ExpireOutcome{Transmitted: true, Terminal: true}
	}
	return ExpireOutcome{Transmitted: true}
}

// AfterReportTransmit finishes the REPORT branch of "on timer expiry"
// once the caller has actually sent the compound packet of sentSize
// octets at time tc: it blends avg_rtcp_size, advances tp/tn, clears
// Initial, and snapshots pmembers.
func (s *Scheduler) AfterReportTransmit(tc time.Time, sentSize int) {
	s.blendSize(float64(sentSize))
	s.Tp = tc
	s.Tn = tc.Add(s.Interval())
	s.Initial = false
	if s.Members != nil {
		s.Pmembers = s.Members.MemberCount()
	}
	if s.Metrics != nil {
		s.Metrics.ReportsSent.WithLabelValues("report").Inc()
	}
}

func (s *Scheduler) blendSize(n float64) {
	s.AvgRTCPSize = (1.0/16.0)*n + (15.0/16.0)*s.AvgRTCPSize
}

// BlendReceivedSize blends avg_rtcp_size for one received RTCP datagram
// (spec §4.4's "blend size" step). A compound datagram carrying several
// sub-packets blends exactly once, at the caller's discretion — this
// method does not know or care how many sub-packets it contained.
func (s *Scheduler) BlendReceivedSize(receivedSize int) {
	s.blendSize(float64(receivedSize))
}

// AdmitRTCPSource implements the membership-admission half of the
// SR/RR/SDES/APP branch of "on packet reception" (spec §4.4): a
// previously-unknown SSRC is admitted as a member only while a REPORT is
// pending. Callers invoke this once per sub-packet/chunk SSRC found in a
// datagram; size blending is a separate, once-per-datagram concern (see
// BlendReceivedSize).
func (s *Scheduler) AdmitRTCPSource(pending EventKind, ssrc uint32) {
	if s.Members != nil && pending == EventReport && !s.Members.IsKnown(ssrc) {
		s.Members.AddMember(ssrc, NewSource(0, 0))
	}
}

// OnReceiveRTCP implements the SR/RR/SDES/APP branch of "on packet
// reception" (spec §4.4) for a single received RTCP datagram: membership
// admission plus one size blend. Kept for callers that receive exactly
// one sub-packet per datagram; a compound datagram with several
// sub-packets should call AdmitRTCPSource per sub-packet and
// BlendReceivedSize once instead.
func (s *Scheduler) OnReceiveRTCP(pending EventKind, ssrc uint32, receivedSize int) {
	s.AdmitRTCPSource(pending, ssrc)
	s.blendSize(float64(receivedSize))
}

// OnReceiveRTP implements the RTP branch of "on packet reception" (spec
// §4.4): new members and new senders are only admitted while a REPORT
// is pending.
func (s *Scheduler) OnReceiveRTP(pending EventKind, ssrc uint32) {
	if s.Members == nil || pending != EventReport {
		return
	}
	if !s.Members.IsKnown(ssrc) {
		s.Members.AddMember(ssrc, NewSource(0, 0))
	}
	if !s.Members.IsSender(ssrc) {
		s.Members.AddSender(ssrc)
	}
}

// NoteOwnByePending accounts for one more concurrently departing member
// while our own BYE event is pending (RFC 3550 §6.3.4; see DESIGN.md for
// the original's typo this corrects). Callers invoke this once per
// received BYE datagram, regardless of how many SSRCs it lists — the
// datagram as a whole represents one more concurrent departure, not one
// per listed source.
func (s *Scheduler) NoteOwnByePending() {
	if s.Members != nil {
		s.Pmembers++
	}
}

// RemoveByeSource implements the per-source removal and reverse
// reconsideration half of the BYE branch of "on packet reception" (spec
// §4.4). Callers invoke this once per departing SSRC a received BYE
// datagram lists, while our own BYE is not pending.
func (s *Scheduler) RemoveByeSource(ssrc uint32, tc time.Time) {
	if s.Members == nil {
		return
	}
	s.Members.RemoveSender(ssrc)
	s.Members.RemoveMember(ssrc)

	members := s.Members.MemberCount()
	if members < s.Pmembers && s.Pmembers > 0 {
		ratio := float64(members) / float64(s.Pmembers)
		s.Tn = tc.Add(time.Duration(ratio * float64(s.Tn.Sub(tc))))
		s.Tp = tc.Add(-time.Duration(ratio * float64(tc.Sub(s.Tp))))
		s.Pmembers = members
	}
}

// OnReceiveBye implements the BYE branch of "on packet reception" (spec
// §4.4) for a single received BYE datagram naming one SSRC: one size
// blend, then either the own-bye-pending bump or the per-source removal.
// A BYE datagram listing several SSRCs should call NoteOwnByePending (or
// RemoveByeSource per listed SSRC) directly instead, after blending size
// once for the whole datagram.
func (s *Scheduler) OnReceiveBye(pending EventKind, ssrc uint32, receivedSize int, tc time.Time) {
	s.blendSize(float64(receivedSize))

	if pending == EventBye {
		s.NoteOwnByePending()
		return
	}
	s.RemoveByeSource(ssrc, tc)
}
