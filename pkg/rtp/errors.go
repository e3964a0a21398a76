package rtp

import "errors"

// Parse/decode error taxonomy (spec §7). Receive-path handlers recover
// from all of these by dropping the datagram; send-path encode errors
// propagate to the caller.
var (
	// ErrTruncated means a buffer ended before a fixed-size field it
	// declared could be read in full.
	ErrTruncated = errors.New("rtp: truncated packet")

	// ErrMalformed means a field failed a structural check (e.g. a
	// sub-packet whose packet type does not match the decoder, or an
	// unknown RTCP packet type).
	ErrMalformed = errors.New("rtp: malformed packet")

	// ErrUnsupportedVersion means the version field was not 2.
	ErrUnsupportedVersion = errors.New("rtp: unsupported version")

	// ErrMalformedCompound means a received RTCP datagram failed the
	// compound-packet validity check of spec §4.1.
	ErrMalformedCompound = errors.New("rtp: malformed compound RTCP packet")

	// ErrInvalidArgument is returned by encode operations given input
	// that cannot be represented on the wire (e.g. >15 CSRCs, an empty
	// BYE source list). This is a caller bug, not a recoverable I/O
	// condition, and is propagated rather than swallowed.
	ErrInvalidArgument = errors.New("rtp: invalid argument")
)
