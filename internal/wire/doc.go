// Package wire frames captured video frames and audio chunks for transport
// over a byte stream. Each message is a 24-byte big-endian header followed
// by the payload:
//
//	0  magic "DK"
//	2  version
//	3  kind (1 video, 2 audio)
//	4  sequence number
//	8  payload length
//	12 frame flags (video)
//	16 pixel format (video) or sample rate (audio)
//	20 width (video) or channel count (audio)
//	22 height (video) or bit depth (audio)
package wire
