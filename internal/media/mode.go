package media

import "fmt"

// PixelFormat identifies the in-memory layout of captured video.
type PixelFormat uint32

// Supported pixel formats. Values are the FourCC codes used on the wire.
const (
	Format8BitYUV  PixelFormat = 0x32767579 // '2vuy', UYVY 4:2:2
	Format10BitYUV PixelFormat = 0x76323130 // 'v210'
	Format8BitARGB PixelFormat = 0x00000020
	Format8BitBGRA PixelFormat = 0x42475241 // 'BGRA'
)

var pixelFormatNames = map[PixelFormat]string{
	Format8BitYUV:  "8bit-yuv",
	Format10BitYUV: "10bit-yuv",
	Format8BitARGB: "8bit-argb",
	Format8BitBGRA: "8bit-bgra",
}

func (p PixelFormat) String() string {
	if s, ok := pixelFormatNames[p]; ok {
		return s
	}
	return fmt.Sprintf("pixfmt(0x%08x)", uint32(p))
}

// ParsePixelFormat maps a configuration name such as "8bit-yuv" to its
// PixelFormat.
func ParsePixelFormat(name string) (PixelFormat, error) {
	for p, s := range pixelFormatNames {
		if s == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", name)
}

// RowBytes returns the stride of a line of the given width.
func (p PixelFormat) RowBytes(width int) int {
	switch p {
	case Format8BitYUV:
		return width * 2
	case Format10BitYUV:
		// v210 packs 6 pixels into 16 bytes, lines aligned to 128 bytes.
		return ((width + 47) / 48) * 128
	default:
		return width * 4
	}
}

// ModeFlags describes optional capabilities of a display mode.
type ModeFlags uint32

// Display mode flags.
const (
	ModeSupports3D ModeFlags = 1 << iota
	ModeColorspaceRec709
)

// DisplayMode is a (resolution, frame rate, scan type) tuple supported by a
// capture device. The frame rate is FrameRateNum/FrameRateDen frames per
// second, e.g. 30000/1001 for 29.97.
type DisplayMode struct {
	ID           uint32
	Name         string
	Width        int
	Height       int
	FrameRateNum int
	FrameRateDen int
	Interlaced   bool
	Flags        ModeFlags
}

// FrameRate returns the frame rate as a float, for display only.
func (m DisplayMode) FrameRate() float64 {
	if m.FrameRateDen == 0 {
		return 0
	}
	return float64(m.FrameRateNum) / float64(m.FrameRateDen)
}

// SamplesPerFrame returns the minimum and maximum number of audio sample
// frames delivered with one video frame at the given sample rate.
func (m DisplayMode) SamplesPerFrame(sampleRate int) (lo, hi int) {
	if m.FrameRateNum == 0 {
		return 0, 0
	}
	num := sampleRate * m.FrameRateDen
	lo = num / m.FrameRateNum
	hi = lo
	if num%m.FrameRateNum != 0 {
		hi++
	}
	return lo, hi
}

// SamplesForFrame returns how many sample frames accompany video frame n
// (counting from zero) so that the running total never drifts from the
// exact audio clock.
func (m DisplayMode) SamplesForFrame(sampleRate int, n uint64) int {
	if m.FrameRateNum == 0 {
		return 0
	}
	per := uint64(sampleRate) * uint64(m.FrameRateDen)
	rate := uint64(m.FrameRateNum)
	return int((n+1)*per/rate - n*per/rate)
}

func (m DisplayMode) String() string {
	return m.Name
}
