package rtp

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipAddMemberIsIdempotent(t *testing.T) {
	m := NewMembership()
	first := m.AddMember(1, NewSource(0, 0))
	second := m.AddMember(1, NewSource(99, 5))

	assert.Same(t, first, second, "a second AddMember for a known SSRC must return the existing record")
	assert.Equal(t, 1, m.MemberCount())
}

func TestMembershipSenderTracking(t *testing.T) {
	m := NewMembership()
	m.AddMember(1, NewSource(0, 0))

	assert.False(t, m.IsSender(1))
	m.AddSender(1)
	assert.True(t, m.IsSender(1))
	assert.Equal(t, 1, m.SenderCount())

	m.RemoveSender(1)
	assert.False(t, m.IsSender(1))
	assert.Equal(t, 0, m.SenderCount())
}

func TestMembershipRemoveMember(t *testing.T) {
	m := NewMembership()
	m.AddMember(1, NewSource(0, 0))
	m.RemoveMember(1)
	assert.False(t, m.IsKnown(1))
	assert.Equal(t, 0, m.MemberCount())
}

func TestMembershipSweepRemovesOnlyStaleMembers(t *testing.T) {
	m := NewMembership()
	m.AddMember(1, NewSource(0, 0))
	m.AddMember(2, NewSource(0, 0))

	m.Sweep(func(ssrc uint32, _ *Source) bool { return ssrc == 1 })

	assert.False(t, m.IsKnown(1))
	assert.True(t, m.IsKnown(2))
}

func TestMembershipEachVisitsEveryMember(t *testing.T) {
	m := NewMembership()
	m.AddMember(1, NewSource(0, 0))
	m.AddMember(2, NewSource(0, 0))

	seen := map[uint32]bool{}
	m.Each(func(ssrc uint32, _ *Source) { seen[ssrc] = true })
	assert.Equal(t, map[uint32]bool{1: true, 2: true}, seen)
}

func TestMembershipExpireSendersWithoutRTPOnlyClearsSenderFlag(t *testing.T) {
	m := NewMembership()
	m.AddMember(1, NewSource(0, 0))
	m.AddSender(1)
	m.AddMember(2, NewSource(0, 0))
	m.AddSender(2)

	m.ExpireSendersWithoutRTP([]uint32{1})

	assert.False(t, m.IsSender(1))
	assert.True(t, m.IsKnown(1), "expiring sender status must not remove the member record")
	assert.True(t, m.IsSender(2))
}

func TestMembershipSyncsMetricsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	m := NewMembership()
	m.SetMetrics(metrics)
	m.AddMember(1, NewSource(0, 0))
	m.AddSender(1)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Members))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Senders))
}
