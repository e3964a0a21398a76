package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Session lifecycle states (spec §4.5).
const (
	StateInitial = "initial"
	StateRunning = "running"
	StateClosing = "closing"
	StateClosed  = "closed"
)

// Config configures a new Session, following the teacher's
// Default*Config()-builder idiom.
type Config struct {
	SSRC             uint32 // 0 generates one at random (RFC 3550 §A.6)
	Transport        Transport
	LocalDescription SourceDescription
	SessionBandwidth float64 // bits/sec, used for the RTCP bandwidth budget
	ClockRate        uint32  // payload-clock units per second, for SR timestamp extrapolation
	Metrics          *Metrics
	Logger           *slog.Logger
	Now              func() time.Time // overridable clock, for tests
}

// DefaultConfig returns a Config with RFC 3550 defaults filled in; the
// caller must still set Transport.
func DefaultConfig() Config {
	return Config{
		SessionBandwidth: 20_000, // 20 kbit/s, a conservative audio default
		ClockRate:        8000,
		Now:              time.Now,
	}
}

// Session is the facade of spec §4.5: it dispatches inbound datagrams,
// drives the Scheduler on timer expiry, and exposes the four operations
// external callers use. It is not internally thread-safe beyond its own
// mutex (spec §5) — all state mutation happens under session.mu.
type Session struct {
	mu sync.Mutex

	ssrc      uint32
	localDesc SourceDescription
	clockRate uint32

	membership *Membership
	scheduler  *Scheduler
	transport  Transport
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time

	machine *fsm.FSM

	// Outbound RTP state
	seq           uint16
	lastTimestamp uint32
	lastSendTime  time.Time
	packetsSent   uint32
	octetsSent    uint32

	// Pending scheduler event and its timer
	pendingEvent EventKind
	timer        *time.Timer

	// we_sent decay: cleared after two full reporting intervals with
	// no local RTP send (spec §4.4 additions).
	reportsSinceSend int
}

// NewSession creates a Session in state Initial and arms its first
// scheduled RTCP event.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: Transport is required", ErrInvalidArgument)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionBandwidth == 0 {
		cfg.SessionBandwidth = 20_000
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 8000
	}

	ssrc := cfg.SSRC
	if ssrc == 0 {
		var err error
		ssrc, err = randomUint32()
		if err != nil {
			return nil, fmt.Errorf("generating SSRC: %w", err)
		}
	}
	seq, err := randomUint16()
	if err != nil {
		return nil, fmt.Errorf("generating initial sequence number: %w", err)
	}

	members := NewMembership()
	if cfg.Metrics != nil {
		members.SetMetrics(cfg.Metrics)
	}

	now := cfg.Now()
	sched := NewScheduler(ssrc, cfg.SessionBandwidth, members, now)
	sched.Metrics = cfg.Metrics

	s := &Session{
		ssrc:         ssrc,
		localDesc:    cfg.LocalDescription,
		clockRate:    cfg.ClockRate,
		membership:   members,
		scheduler:    sched,
		transport:    cfg.Transport,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
		seq:          seq,
		pendingEvent: EventReport,
		machine:      newSessionFSM(),
	}

	s.transport.OnReadable(s.dispatch)
	s.armTimer(sched.Tn)
	return s, nil
}

func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateInitial,
		fsm.Events{
			{Name: "report_sent", Src: []string{StateInitial}, Dst: StateRunning},
			{Name: "close", Src: []string{StateInitial, StateRunning}, Dst: StateClosing},
			{Name: "bye_sent", Src: []string{StateClosing}, Dst: StateClosed},
		},
		nil,
	)
}

// State returns the session's current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// SSRC returns the session's local synchronization source identifier.
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// dispatch is the single entry point for inbound datagrams, registered
// with the Transport as the OnReadable callback. It is also where RTP
// vs RTCP/BYE is told apart (spec §2: "dispatches RTP vs RTCP vs BYE").
func (s *Session) dispatch(datagram []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if looksLikeRTCP(datagram) {
		s.onRTCPReceiveLocked(datagram, s.now())
		return
	}
	s.onRTPReceiveLocked(datagram, s.now())
}

// looksLikeRTCP distinguishes RTP from RTCP the way RFC 5761
// multiplexing does: RTCP packet types occupy 200-204 in the second
// octet, which RTP's payload-type byte (top bit aside) cannot reach
// without colliding by convention (A/V profile payload types stay
// below 128).
func looksLikeRTCP(datagram []byte) bool {
	if len(datagram) < 2 {
		return false
	}
	pt := datagram[1]
	return pt >= TypeSR && pt <= TypeAPP
}

// OnRTPSend implements on_rtp_send (spec §4.5): builds an RTP datagram
// with the local SSRC, the next sequence number, and the supplied
// timestamp/marker, and hands it to the Transport. It sets we_sent.
func (s *Session) OnRTPSend(payload []byte, timestamp uint32, marker bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkt := Packet{
		Header: Header{
			Marker:         marker,
			SequenceNumber: s.seq,
			Timestamp:      timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	datagram, err := pkt.Encode()
	if err != nil {
		return nil, err
	}

	s.seq++
	s.lastTimestamp = timestamp
	s.lastSendTime = s.now()
	s.packetsSent++
	s.octetsSent += uint32(len(payload))
	s.scheduler.WeSent = true
	s.reportsSinceSend = 0

	if err := s.transport.Send(datagram); err != nil {
		s.logger.Warn("rtp send failed", "error", err, "ssrc", s.ssrc)
		return datagram, err
	}
	return datagram, nil
}

// OnRTPReceive implements on_rtp_receive (spec §4.5): parses, validates
// version 2, admits the source through the scheduler's gate, and updates
// its sequence and jitter statistics. Parse errors drop the datagram
// silently.
func (s *Session) OnRTPReceive(datagram []byte, arrival time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRTPReceiveLocked(datagram, arrival)
}

func (s *Session) onRTPReceiveLocked(datagram []byte, arrival time.Time) {
	pkt, err := DecodePacket(datagram)
	if err != nil {
		s.logger.Debug("dropping unparseable RTP datagram", "error", err)
		return
	}

	ssrc := pkt.Header.SSRC
	firstSeen := !s.membership.IsKnown(ssrc)

	// Consult the scheduler's admission gate before creating anything: a
	// never-before-seen SSRC is only admitted while a REPORT event is
	// pending (spec §4.5 — Closing keeps receiving but stops admitting).
	s.scheduler.OnReceiveRTP(s.pendingEvent, ssrc)

	src := s.membership.Source(ssrc)
	if src == nil {
		// Not admitted: our own BYE is pending, so this SSRC is not
		// tracked until (if ever) a fresh REPORT interval begins.
		return
	}
	if firstSeen {
		// The scheduler admits with a placeholder NewSource(0, 0); give
		// it this packet's real starting sequence number and probation.
		// MaxSeq starts one below it so this packet is the first
		// in-order probation step rather than a probation reset.
		src.Probation = MinSequential
		src.init(pkt.Header.SequenceNumber)
		src.MaxSeq = pkt.Header.SequenceNumber - 1
	}

	src.Touch(arrival)
	src.TouchRTP(arrival)
	if counted := src.Update(pkt.Header.SequenceNumber); counted {
		clock := uint64(s.clockRate)
		arrivalUnits := uint32(uint64(arrival.Unix())*clock + uint64(arrival.Nanosecond())*clock/1_000_000_000)
		src.UpdateJitter(arrivalUnits, pkt.Header.Timestamp)
	}
}

// OnRTCPReceive implements on_rtcp_receive (spec §4.5): validity-checks
// the compound datagram, iterates its sub-packets, and dispatches each
// to the scheduler and membership table.
func (s *Session) OnRTCPReceive(datagram []byte, arrival time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRTCPReceiveLocked(datagram, arrival)
}

func (s *Session) onRTCPReceiveLocked(datagram []byte, arrival time.Time) {
	offsets, err := ValidateCompound(datagram)
	if err != nil {
		s.logger.Debug("dropping malformed compound RTCP datagram", "error", err)
		return
	}

	// avg_rtcp_size blends once per received datagram, not once per
	// sub-packet it happens to carry (spec §4.4).
	s.scheduler.BlendReceivedSize(len(datagram))

	sawOwnByePending := false
	for i, off := range offsets {
		end := len(datagram)
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		value, _, err := DecodeSubPacket(datagram[off:end])
		if err != nil {
			s.logger.Debug("dropping malformed RTCP sub-packet", "error", err)
			return
		}
		if bye, ok := value.(ByePacket); ok {
			s.handleBye(bye, arrival, &sawOwnByePending)
			continue
		}
		s.handleSubPacket(value, arrival)
	}
}

func (s *Session) handleSubPacket(value any, arrival time.Time) {
	touch := func(ssrc uint32) {
		if src := s.membership.Source(ssrc); src != nil {
			src.Touch(arrival)
		}
	}
	switch v := value.(type) {
	case SenderReport:
		s.scheduler.AdmitRTCPSource(s.pendingEvent, v.SSRC)
		touch(v.SSRC)
	case ReceiverReport:
		s.scheduler.AdmitRTCPSource(s.pendingEvent, v.SSRC)
		touch(v.SSRC)
	case SourceDescriptionPacket:
		for _, chunk := range v.Chunks {
			s.scheduler.AdmitRTCPSource(s.pendingEvent, chunk.Source)
			touch(chunk.Source)
		}
	case ApplicationDefined:
		s.scheduler.AdmitRTCPSource(s.pendingEvent, v.SSRC)
		touch(v.SSRC)
	}
}

// handleBye implements the BYE branch of "on packet reception" (spec
// §4.4). While our own BYE is pending, a received BYE datagram counts as
// one more concurrent departure regardless of how many SSRCs it lists
// (sawOwnByePending de-dupes across sub-packets of the same datagram, in
// case a compound somehow carried more than one BYE sub-packet).
// Otherwise, every listed SSRC is individually removed from membership.
func (s *Session) handleBye(bye ByePacket, arrival time.Time, sawOwnByePending *bool) {
	if s.pendingEvent == EventBye {
		if !*sawOwnByePending {
			s.scheduler.NoteOwnByePending()
			*sawOwnByePending = true
		}
		return
	}
	for _, ssrc := range bye.Sources {
		s.scheduler.RemoveByeSource(ssrc, arrival)
	}
}

// Close implements close() (spec §4.5): schedules a BYE event. Once
// Closing, new members stop being admitted: onRTPReceiveLocked and
// handleSubPacket both consult the Scheduler's admission gate (which
// only admits while a REPORT event is pending) before creating any
// Source, rather than admitting first and asking second.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.Current() == StateClosing || s.machine.Current() == StateClosed {
		return nil
	}
	if err := s.machine.Event(nil, "close"); err != nil {
		return err
	}
	s.pendingEvent = EventBye
	return nil
}

// armTimer schedules the session's single reactor timer to fire at
// deadline, replacing any previously armed timer.
func (s *Session) armTimer(deadline time.Time) {
	if s.timer != nil {
		s.timer.Stop()
	}
	d := deadline.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timer = time.AfterFunc(d, s.onTimerFire)
}

// onTimerFire is the scheduler-timer-fired event of spec §5: it never
// interleaves with datagram handling because it takes the same mutex.
func (s *Session) onTimerFire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	tc := s.now()
	outcome := s.scheduler.OnExpire(s.pendingEvent, tc)

	if !outcome.Transmitted {
		s.armTimer(outcome.NextTimer)
		return
	}

	datagram, err := s.buildReport(s.pendingEvent, tc)
	if err != nil {
		s.logger.Error("building RTCP report", "error", err, "event", s.pendingEvent)
		return
	}
	if err := s.transport.Send(datagram); err != nil {
		s.logger.Warn("rtcp send failed", "error", err)
	}

	if outcome.Terminal {
		_ = s.machine.Event(nil, "bye_sent")
		if s.timer != nil {
			s.timer.Stop()
		}
		return
	}

	s.scheduler.AfterReportTransmit(tc, len(datagram))
	if s.machine.Current() == StateInitial {
		_ = s.machine.Event(nil, "report_sent")
	}
	s.expireStaleSenders()
	s.armTimer(s.scheduler.Tn)
}

// expireStaleSenders clears the Sender flag on sources that have gone
// two reporting intervals without an RTP packet (spec §4.3), and
// demotes our own we_sent the same way (SPEC_FULL.md, Session scheduler
// additions).
func (s *Session) expireStaleSenders() {
	s.reportsSinceSend++
	if s.reportsSinceSend >= 2 {
		s.scheduler.WeSent = false
	}

	interval := s.scheduler.Tn.Sub(s.scheduler.Tp)
	if interval <= 0 {
		return
	}
	now := s.now()

	senderTimeout := 2 * interval
	var staleSenders []uint32
	s.membership.Each(func(ssrc uint32, src *Source) {
		if src.Sender && !src.LastRTPActivity.IsZero() && now.Sub(src.LastRTPActivity) > senderTimeout {
			staleSenders = append(staleSenders, ssrc)
		}
	})
	s.membership.ExpireSendersWithoutRTP(staleSenders)

	memberTimeout := 5 * interval
	s.membership.Sweep(func(_ uint32, src *Source) bool {
		return !src.LastActivity.IsZero() && now.Sub(src.LastActivity) > memberTimeout
	})
}

// buildReport constructs the outbound compound RTCP packet for the
// given pending event: SR (if we_sent) or RR, followed by an SDES
// CNAME chunk, or a BYE compound when the event is EventBye.
func (s *Session) buildReport(kind EventKind, tc time.Time) ([]byte, error) {
	if kind == EventBye {
		bye, err := ByePacket{Sources: []uint32{s.ssrc}}.Encode()
		if err != nil {
			return nil, err
		}
		return bye, nil
	}

	reports := s.buildReceptionReports()

	var first []byte
	var err error
	if s.scheduler.WeSent {
		ntpSec, ntpFrac := toNTP(tc)
		rtpTS := s.lastTimestamp
		if !s.lastSendTime.IsZero() {
			elapsed := tc.Sub(s.lastSendTime).Seconds()
			rtpTS += uint32(elapsed * float64(s.clockRate))
		}
		first, err = SenderReport{
			SSRC:         s.ssrc,
			NTPSeconds:   ntpSec,
			NTPFraction:  ntpFrac,
			RTPTimestamp: rtpTS,
			PacketCount:  s.packetsSent,
			OctetCount:   s.octetsSent,
			Reports:      reports,
		}.Encode()
	} else {
		first, err = ReceiverReport{SSRC: s.ssrc, Reports: reports}.Encode()
	}
	if err != nil {
		return nil, err
	}

	sdes, err := SourceDescriptionPacket{Chunks: []SDESChunk{s.localDesc.toChunk(s.ssrc)}}.Encode()
	if err != nil {
		return nil, err
	}

	return append(first, sdes...), nil
}

// buildReceptionReports emits one ReceptionReport per known, validated
// remote source (probation > 0 sources never contribute, spec §3).
func (s *Session) buildReceptionReports() []ReceptionReport {
	var reports []ReceptionReport
	s.membership.Each(func(ssrc uint32, src *Source) {
		if src.Probation > 0 {
			return
		}
		reports = append(reports, ReceptionReport{
			SSRC:           ssrc,
			FractionLost:   src.FractionLost(),
			CumulativeLost: src.Lost(),
			HighestSeqNum:  src.Cycles | uint32(src.MaxSeq),
			Jitter:         src.ReportedJitter(),
		})
	})
	return reports
}

func toNTP(t time.Time) (seconds, fraction uint32) {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	seconds = uint32(t.Unix() + ntpEpochOffset)
	fraction = uint32((uint64(t.Nanosecond()) << 32) / 1_000_000_000)
	return seconds, fraction
}

func randomUint32() (uint32, error) {
	var v uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func randomUint16() (uint16, error) {
	var v uint16
	if err := binary.Read(rand.Reader, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}
