package session

import (
	"errors"
	"fmt"

	"github.com/zsiec/deckcap/internal/device"
	"github.com/zsiec/deckcap/internal/media"
)

// ModeInfo describes one display mode a device advertises.
type ModeInfo struct {
	Index      int     `json:"index"`
	Name       string  `json:"name"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameRate  float64 `json:"frameRate"`
	Supports3D bool    `json:"supports3d"`
}

// DeviceInfo describes one enumerated capture device.
type DeviceInfo struct {
	Index           int        `json:"index"`
	Name            string     `json:"name"`
	FormatDetection bool       `json:"formatDetection"`
	Busy            bool       `json:"busy"`
	Modes           []ModeInfo `json:"modes,omitempty"`
}

// ListDevices enumerates the devices of driver with their display modes.
// A device whose input is held by another session is reported busy without
// modes. Every handle is released before returning.
func ListDevices(driver device.Driver) ([]DeviceInfo, error) {
	devs, err := driver.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	out := make([]DeviceInfo, 0, len(devs))
	for i, d := range devs {
		info := DeviceInfo{Index: i, Name: d.Name()}
		if attrs, err := d.Attributes(); err == nil {
			info.FormatDetection, _ = attrs.SupportsInputFormatDetection()
		}

		input, err := d.Input()
		if errors.Is(err, device.ErrInputBusy) {
			info.Busy = true
			out = append(out, info)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get input interface of %s: %w", d.Name(), err)
		}
		modes, err := input.DisplayModes()
		input.Close()
		if err != nil {
			return nil, fmt.Errorf("list display modes of %s: %w", d.Name(), err)
		}
		for j, m := range modes {
			info.Modes = append(info.Modes, ModeInfo{
				Index:      j,
				Name:       m.Name,
				Width:      m.Width,
				Height:     m.Height,
				FrameRate:  m.FrameRate(),
				Supports3D: m.Flags&media.ModeSupports3D != 0,
			})
		}
		out = append(out, info)
	}
	return out, nil
}
