// Package sim implements a simulated capture driver. Each input delivers
// video frames and frame-locked audio packets from a single goroutine at the
// display mode's frame rate, or on demand via Step when created in manual
// mode.
package sim

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/deckcap/internal/device"
	"github.com/zsiec/deckcap/internal/media"
)

func init() {
	device.Register("sim", func() (device.Driver, error) {
		return New(DefaultOptions(), nil), nil
	})
}

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name            string
	Modes           []media.DisplayMode
	PixelFormats    []media.PixelFormat // nil means every format
	FormatDetection bool
}

// Options configures a simulated driver.
type Options struct {
	Devices []DeviceSpec

	// Manual disables the delivery goroutine; frames are delivered only
	// by Input.Step.
	Manual bool
}

// DefaultOptions returns two devices: the first supports format detection,
// the second does not.
func DefaultOptions() Options {
	return Options{
		Devices: []DeviceSpec{
			{Name: "DeckLink Sim 1", Modes: DefaultModes(), FormatDetection: true},
			{Name: "DeckLink Sim 2", Modes: DefaultModes()},
		},
	}
}

// Driver is a simulated device.Driver.
type Driver struct {
	log     *slog.Logger
	devices []*Device
}

// New creates a simulated driver. If log is nil, slog.Default() is used.
func New(opts Options, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	d := &Driver{log: log.With("component", "sim-driver")}
	for i, spec := range opts.Devices {
		d.devices = append(d.devices, &Device{
			spec:   spec,
			index:  i,
			manual: opts.Manual,
			log:    d.log.With("device", spec.Name),
		})
	}
	return d
}

// Devices implements device.Driver.
func (d *Driver) Devices() ([]device.Device, error) {
	out := make([]device.Device, len(d.devices))
	for i, dev := range d.devices {
		dev.mu.Lock()
		dev.refs++
		dev.mu.Unlock()
		out[i] = dev
	}
	return out, nil
}

// Device returns the simulated device at index i for test control.
func (d *Driver) Device(i int) *Device {
	return d.devices[i]
}

// Device is a simulated capture device.
type Device struct {
	spec   DeviceSpec
	index  int
	manual bool
	log    *slog.Logger

	mu    sync.Mutex
	refs  int
	input *Input
}

// Name implements device.Device.
func (d *Device) Name() string { return d.spec.Name }

// Attributes implements device.Device.
func (d *Device) Attributes() (device.Attributes, error) {
	return attributes{formatDetection: d.spec.FormatDetection}, nil
}

// Input implements device.Device. Only one Input may be open at a time.
func (d *Device) Input() (device.Input, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.input != nil && !d.input.isClosed() {
		return nil, fmt.Errorf("%s: %w", d.spec.Name, device.ErrInputBusy)
	}
	d.input = newInput(d)
	return d.input, nil
}

// Active returns the currently open input, or nil.
func (d *Device) Active() *Input {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.input == nil || d.input.isClosed() {
		return nil
	}
	return d.input
}

// Refs returns the number of outstanding handles returned by Devices.
func (d *Device) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

// Close releases one handle obtained from Driver.Devices.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		return device.ErrClosed
	}
	d.refs--
	return nil
}

type attributes struct {
	formatDetection bool
}

func (a attributes) SupportsInputFormatDetection() (bool, error) {
	return a.formatDetection, nil
}
