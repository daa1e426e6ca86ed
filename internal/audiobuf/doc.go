// Package audiobuf regroups frame-locked audio packets into the fixed-size
// chunks an audio encoder consumes.
//
// A capture device delivers one audio packet per video frame, so packet
// length follows the video frame rate (1920 sample frames at 25 fps, an
// alternating 1601/1602 at 29.97). Encoders want constant blocks, typically
// 1152 sample frames. The [Rebufferer] accumulates packets in a [Store] of
// three slots and emits every complete chunk as soon as it is available.
//
// A cycle is three packets. When a cycle ends, any bytes that do not yet form
// a whole chunk are moved to the front of the store, so the store never
// wraps mid-chunk and every emitted chunk is a contiguous slice of it. With
// the reference geometry (7680-byte slots, 4608-byte chunks) nothing carries
// over and the cycle emits 1, 2 and 2 chunks.
//
// The store is not synchronized. Capture devices deliver callbacks serially
// on a single thread and the Rebufferer must only be driven from there.
package audiobuf
