// Package remote ships captured video frames and audio chunks to another
// host over SRT or QUIC, framed with package wire, and receives them on the
// far side into any sink.Sink.
package remote
