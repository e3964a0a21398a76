// Package rtp implements the RTP/RTCP session core: wire codecs for RTP
// data packets and the five RTCP packet kinds, per-source receive
// statistics (RFC 3550 Appendix A.8), a membership table, and the RTCP
// transmission scheduler (RFC 3550 Appendix A.7 reconsideration).
//
// Payload packing/unpacking (Profile) and datagram transport (Transport)
// are abstract collaborators consumed through interfaces; this package
// never does its own socket I/O or media encoding.
package rtp
