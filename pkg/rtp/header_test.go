package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	pkt := Packet{
		Header: Header{
			Padding:        false,
			Extension:      true,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: 4242,
			Timestamp:      0xDEADBEEF,
			SSRC:           0xCAFEBABE,
			CSRC:           []uint32{1, 2, 3},
		},
		Payload: []byte("a pcmu frame"),
	}

	buf, err := pkt.Encode()
	require.NoError(t, err)

	got, err := DecodePacket(buf)
	require.NoError(t, err)

	assert.Equal(t, pkt.Header, got.Header)
	assert.Equal(t, pkt.Payload, got.Payload)
}

func TestPacketEncodeRejectsTooManyCSRC(t *testing.T) {
	csrc := make([]uint32, MaxCSRC+1)
	_, err := Packet{Header: Header{CSRC: csrc}}.Encode()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPacketEncodeRejectsOversizedPayloadType(t *testing.T) {
	_, err := Packet{Header: Header{PayloadType: 0x80}}.Encode()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDecodePacketTruncated(t *testing.T) {
	_, err := DecodePacket([]byte{0x80, 0, 0, 0})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodePacketUnsupportedVersion(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 0x00 // version 0
	_, err := DecodePacket(buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
