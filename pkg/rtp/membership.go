package rtp

// Membership is the set of known session members and, within that, the
// subset currently considered active senders (spec §3, §4.3). It owns
// one Source record per distinct SSRC observed.
type Membership struct {
	sources map[uint32]*Source
	metrics *Metrics
}

// NewMembership creates an empty membership table.
func NewMembership() *Membership {
	return &Membership{sources: make(map[uint32]*Source)}
}

// SetMetrics attaches a telemetry sink propagated to every Source added
// to this table from here on, and updates the membership/sender gauges.
func (m *Membership) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
	m.syncGauges()
}

// IsKnown reports whether ssrc already has a Source record.
func (m *Membership) IsKnown(ssrc uint32) bool {
	_, ok := m.sources[ssrc]
	return ok
}

// Source returns the Source for ssrc, or nil if unknown.
func (m *Membership) Source(ssrc uint32) *Source {
	return m.sources[ssrc]
}

// AddMember inserts src under ssrc if not already present and returns
// the record now associated with ssrc (the existing one if present).
func (m *Membership) AddMember(ssrc uint32, src *Source) *Source {
	if existing, ok := m.sources[ssrc]; ok {
		return existing
	}
	if m.metrics != nil {
		src.SetMetrics(m.metrics)
	}
	m.sources[ssrc] = src
	m.syncGauges()
	return src
}

// RemoveMember deletes ssrc's record, if any.
func (m *Membership) RemoveMember(ssrc uint32) {
	delete(m.sources, ssrc)
	m.syncGauges()
}

// IsSender reports whether ssrc is currently flagged as an active
// sender within the current RTCP observation window.
func (m *Membership) IsSender(ssrc uint32) bool {
	src, ok := m.sources[ssrc]
	return ok && src.Sender
}

// AddSender flags ssrc as an active sender. The source must already be
// a member.
func (m *Membership) AddSender(ssrc uint32) {
	if src, ok := m.sources[ssrc]; ok {
		src.Sender = true
		m.syncGauges()
	}
}

// RemoveSender clears ssrc's sender flag.
func (m *Membership) RemoveSender(ssrc uint32) {
	if src, ok := m.sources[ssrc]; ok {
		src.Sender = false
		m.syncGauges()
	}
}

// MemberCount returns the number of known members.
func (m *Membership) MemberCount() int {
	return len(m.sources)
}

// SenderCount returns the number of members currently flagged as
// senders.
func (m *Membership) SenderCount() int {
	n := 0
	for _, src := range m.sources {
		if src.Sender {
			n++
		}
	}
	return n
}

// ExpireSendersWithoutRTP clears the Sender flag on each listed SSRC,
// leaving the member records in place. The caller
// (Session.expireStaleSenders) decides which sources have gone too long
// without an RTP packet and simply tells this table which SSRCs to
// demote.
func (m *Membership) ExpireSendersWithoutRTP(ssrcs []uint32) {
	for _, ssrc := range ssrcs {
		m.RemoveSender(ssrc)
	}
}

// Each calls fn once per known member. fn must not mutate the
// membership table.
func (m *Membership) Each(fn func(ssrc uint32, src *Source)) {
	for ssrc, src := range m.sources {
		fn(ssrc, src)
	}
}

// Sweep removes every member whose Source is marked stale by isStale,
// used by Session.expireStaleSenders to enforce the five-missed-interval member
// timeout (spec §3) lazily rather than with a dedicated timer.
func (m *Membership) Sweep(isStale func(ssrc uint32, src *Source) bool) {
	for ssrc, src := range m.sources {
		if isStale(ssrc, src) {
			delete(m.sources, ssrc)
		}
	}
	m.syncGauges()
}

func (m *Membership) syncGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.Members.Set(float64(m.MemberCount()))
	m.metrics.Senders.Set(float64(m.SenderCount()))
}
