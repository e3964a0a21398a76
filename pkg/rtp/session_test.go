package rtp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackTransport is a minimal in-memory Transport double: Send
// appends to an outbox a test can inspect, and datagrams are delivered
// to the registered callback only when a test calls deliver.
type loopbackTransport struct {
	mu       sync.Mutex
	outbox   [][]byte
	callback func(datagram []byte)
}

func (l *loopbackTransport) Send(datagram []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := append([]byte(nil), datagram...)
	l.outbox = append(l.outbox, cp)
	return nil
}

func (l *loopbackTransport) OnReadable(callback func(datagram []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callback = callback
}

func (l *loopbackTransport) deliver(datagram []byte) {
	l.mu.Lock()
	cb := l.callback
	l.mu.Unlock()
	if cb != nil {
		cb(datagram)
	}
}

func (l *loopbackTransport) sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.outbox...)
}

func newTestSession(t *testing.T, tr Transport) *Session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SSRC = 0xAAAAAAAA
	cfg.Transport = tr
	cfg.LocalDescription = SourceDescription{CNAME: "tester@example.com"}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s
}

func TestSessionStartsInInitialState(t *testing.T) {
	s := newTestSession(t, &loopbackTransport{})
	assert.Equal(t, StateInitial, s.State())
}

func TestSessionOnRTPSendProducesDecodablePacketWithOurSSRC(t *testing.T) {
	tr := &loopbackTransport{}
	s := newTestSession(t, tr)

	datagram, err := s.OnRTPSend([]byte("payload"), 160, true)
	require.NoError(t, err)

	pkt, err := DecodePacket(datagram)
	require.NoError(t, err)
	assert.Equal(t, s.SSRC(), pkt.Header.SSRC)
	assert.Equal(t, []byte("payload"), pkt.Payload)
	assert.True(t, pkt.Header.Marker)

	assert.Len(t, tr.sent(), 1)
}

func TestSessionOnRTPReceiveTracksNewSource(t *testing.T) {
	tr := &loopbackTransport{}
	s := newTestSession(t, tr)

	remote := Packet{Header: Header{SequenceNumber: 1, Timestamp: 160, SSRC: 555}, Payload: []byte("x")}
	datagram, err := remote.Encode()
	require.NoError(t, err)

	s.OnRTPReceive(datagram, time.Now())
	assert.True(t, s.membership.IsKnown(555))
}

func TestSessionOnRTPReceiveDoesNotAdmitUnseenSourceWhileClosing(t *testing.T) {
	tr := &loopbackTransport{}
	s := newTestSession(t, tr)
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosing, s.State())

	remote := Packet{Header: Header{SequenceNumber: 1, Timestamp: 160, SSRC: 999}, Payload: []byte("x")}
	datagram, err := remote.Encode()
	require.NoError(t, err)

	s.OnRTPReceive(datagram, time.Now())
	assert.False(t, s.membership.IsKnown(999), "a never-before-seen SSRC must not be admitted while our own BYE is pending")
}

func TestExpireStaleSendersClearsSenderFlagAfterTwoMissedIntervals(t *testing.T) {
	tr := &loopbackTransport{}
	s := newTestSession(t, tr)

	remote := Packet{Header: Header{SequenceNumber: 1, Timestamp: 160, SSRC: 555}, Payload: []byte("x")}
	datagram, err := remote.Encode()
	require.NoError(t, err)
	s.OnRTPReceive(datagram, time.Now())
	require.True(t, s.membership.IsSender(555))

	s.scheduler.Tp = time.Now().Add(-10 * time.Second)
	s.scheduler.Tn = time.Now()
	src := s.membership.Source(555)
	require.NotNil(t, src)
	src.LastRTPActivity = time.Now().Add(-time.Hour)

	s.expireStaleSenders()
	assert.False(t, s.membership.IsSender(555), "sender flag must clear after two missed reporting intervals without RTP")
	assert.True(t, s.membership.IsKnown(555), "the source itself is a member timeout, not a sender timeout")
}

func TestSessionDispatchRoutesRTCPAwayFromRTP(t *testing.T) {
	tr := &loopbackTransport{}
	s := newTestSession(t, tr)

	rr, err := ReceiverReport{SSRC: 777}.Encode()
	require.NoError(t, err)

	tr.deliver(rr)
	// An RR alone is not SR/RR membership admission by itself unless a
	// report event is pending; Initial sessions start with one pending,
	// so the sender should now be known via the scheduler hook.
	assert.True(t, s.membership.IsKnown(777))
}

func TestSessionOnRTCPReceiveBlendsSizeOnceForWholeCompound(t *testing.T) {
	tr := &loopbackTransport{}
	s := newTestSession(t, tr)
	before := s.scheduler.AvgRTCPSize

	sr, err := SenderReport{SSRC: 1}.Encode()
	require.NoError(t, err)
	sdes, err := SourceDescriptionPacket{Chunks: []SDESChunk{{Source: 1, Items: []SDESItem{{Type: SDESCNAME, Text: "x"}}}}}.Encode()
	require.NoError(t, err)
	compound := append(append([]byte{}, sr...), sdes...)

	s.OnRTCPReceive(compound, time.Now())

	want := (1.0/16.0)*float64(len(compound)) + (15.0/16.0)*before
	assert.InDelta(t, want, s.scheduler.AvgRTCPSize, 1e-9, "a compound with two sub-packets must blend avg_rtcp_size exactly once")
}

func TestSessionOnRTCPReceiveByeBumpsPmembersOnceRegardlessOfSourceCount(t *testing.T) {
	tr := &loopbackTransport{}
	s := newTestSession(t, tr)
	require.NoError(t, s.Close())
	before := s.scheduler.Pmembers

	// A compound must start with SR/RR (spec §4.1 step 3), so a BYE is
	// always bundled behind a reception report the way a real departing
	// peer sends it (RFC 3550 §6.3.7).
	rr, err := ReceiverReport{SSRC: 11}.Encode()
	require.NoError(t, err)
	bye, err := ByePacket{Sources: []uint32{11, 22, 33}}.Encode()
	require.NoError(t, err)
	compound := append(append([]byte{}, rr...), bye...)

	s.OnRTCPReceive(compound, time.Now())
	assert.Equal(t, before+1, s.scheduler.Pmembers, "one received BYE datagram is one more concurrent departure, regardless of how many SSRCs it lists")
}

func TestSessionCloseTransitionsToClosing(t *testing.T) {
	s := newTestSession(t, &loopbackTransport{})
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosing, s.State())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := newTestSession(t, &loopbackTransport{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosing, s.State())
}

func TestLooksLikeRTCPDistinguishesFromRTP(t *testing.T) {
	rtpDatagram := []byte{0x80, 0x00, 0, 0}
	assert.False(t, looksLikeRTCP(rtpDatagram))

	rtcpDatagram := []byte{0x80, TypeSR, 0, 0}
	assert.True(t, looksLikeRTCP(rtcpDatagram))
}
