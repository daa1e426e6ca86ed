// Package session owns a capture session: it selects a device, negotiates a
// display mode, registers the capture delegate, arms video and audio input,
// and tears everything down again in reverse order.
//
// The controlling goroutine calls [Controller.Start] and then blocks in
// [Controller.Wait] until its context is cancelled, [Controller.Stop] is
// called, or [Controller.Restart] asks for streams to be re-armed.
// [Controller.Run] combines the three.
package session
