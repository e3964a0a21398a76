package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceProbationAdmitsAfterConsecutivePackets(t *testing.T) {
	src := NewSource(100, MinSequential)

	assert.False(t, src.Update(101), "first probation packet should not yet count")
	assert.True(t, src.Update(102), "source should be admitted once probation completes")
	assert.Equal(t, uint32(1), src.Received)
}

func TestSourceProbationRestartsOnGap(t *testing.T) {
	src := NewSource(100, MinSequential)

	assert.False(t, src.Update(101))
	// a gap during probation restarts the window rather than admitting
	assert.False(t, src.Update(150))
	assert.Equal(t, MinSequential-1, src.Probation)
}

func TestSourceHandlesSequenceWrap(t *testing.T) {
	src := NewSource(65534, 0)

	assert.True(t, src.Update(65535))
	assert.True(t, src.Update(0))
	assert.Equal(t, uint32(1<<16), src.Cycles, "wrapping past 65535 should bump cycles by one modulus")
	assert.Equal(t, uint16(0), src.MaxSeq)
}

func TestSourceDetectsRestartAfterLargeJump(t *testing.T) {
	src := NewSource(0, 0)
	require := src.Update(1)
	assert.True(t, require)

	// A jump far beyond MaxDropout looks like a stream restart; the
	// first such packet does not count and records its successor as
	// bad_seq, and only a packet carrying that successor confirms it.
	assert.False(t, src.Update(10000))
	assert.True(t, src.Update(10001), "the packet following the suspected restart confirms the restart")
	assert.Equal(t, uint16(10001), src.MaxSeq)
}

func TestSourceFractionLostResetsIntervalSnapshots(t *testing.T) {
	src := NewSource(0, 0)
	src.Update(1)
	src.Update(2)
	src.Update(4) // seq 3 skipped; seq 0 is expected but was never passed to Update, so 2 of 5 are lost

	frac := src.FractionLost()
	assert.Greater(t, frac, uint8(0))

	// Calling again with no further packets reports zero loss for the
	// now-empty interval.
	assert.Equal(t, uint8(0), src.FractionLost())
}

func TestSourceLostClipsToSigned24Range(t *testing.T) {
	src := NewSource(0, 0)
	src.Update(1)
	src.MaxSeq = 65535
	src.Cycles = 1 << 30 // absurd, to force clipping
	assert.Equal(t, int32(1<<23-1), src.Lost())
}

func TestSourceJitterIgnoresFirstSample(t *testing.T) {
	src := NewSource(0, 0)
	src.UpdateJitter(1000, 0)
	assert.Equal(t, uint32(0), src.Jitter, "jitter has no estimate until a second sample arrives")

	src.UpdateJitter(1160, 160) // equal spacing: zero transit delta
	assert.Equal(t, uint32(0), src.Jitter)

	src.UpdateJitter(1500, 320) // uneven spacing introduces jitter
	assert.Greater(t, src.Jitter, uint32(0))
}
