// Package device defines the boundary between the capture core and a
// hardware capture driver: enumeration, input configuration, stream control,
// and the callback target that receives frames on the driver's own thread.
//
// Drivers register themselves by name with [Register]; the session opens one
// with [Open]. The [Callback] contract mirrors capture SDKs: callbacks are
// delivered serially, never overlapping, and only while streams are started.
package device
