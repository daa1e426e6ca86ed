package sim

import "github.com/zsiec/deckcap/internal/media"

// Display mode IDs, FourCC style.
const (
	ModeNTSC      uint32 = 0x6e747363 // 'ntsc'
	ModePAL       uint32 = 0x70616c20 // 'pal '
	ModeHD720p50  uint32 = 0x68703530 // 'hp50'
	ModeHD720p59  uint32 = 0x68703539 // 'hp59'
	ModeHD1080i50 uint32 = 0x48693530 // 'Hi50'
	ModeHD1080i59 uint32 = 0x48693539 // 'Hi59'
	ModeHD1080p24 uint32 = 0x32347073 // '24ps'
	ModeHD1080p25 uint32 = 0x48703235 // 'Hp25'
	ModeHD1080p29 uint32 = 0x48703239 // 'Hp29'
)

// DefaultModes returns the display modes a simulated device advertises,
// in enumeration order.
func DefaultModes() []media.DisplayMode {
	return []media.DisplayMode{
		{ID: ModeNTSC, Name: "NTSC", Width: 720, Height: 486, FrameRateNum: 30000, FrameRateDen: 1001, Interlaced: true},
		{ID: ModePAL, Name: "PAL", Width: 720, Height: 576, FrameRateNum: 25, FrameRateDen: 1, Interlaced: true},
		{ID: ModeHD720p50, Name: "720p50", Width: 1280, Height: 720, FrameRateNum: 50, FrameRateDen: 1, Flags: media.ModeSupports3D | media.ModeColorspaceRec709},
		{ID: ModeHD720p59, Name: "720p59.94", Width: 1280, Height: 720, FrameRateNum: 60000, FrameRateDen: 1001, Flags: media.ModeSupports3D | media.ModeColorspaceRec709},
		{ID: ModeHD1080i50, Name: "1080i50", Width: 1920, Height: 1080, FrameRateNum: 25, FrameRateDen: 1, Interlaced: true, Flags: media.ModeSupports3D | media.ModeColorspaceRec709},
		{ID: ModeHD1080i59, Name: "1080i59.94", Width: 1920, Height: 1080, FrameRateNum: 30000, FrameRateDen: 1001, Interlaced: true, Flags: media.ModeSupports3D | media.ModeColorspaceRec709},
		{ID: ModeHD1080p24, Name: "1080p24", Width: 1920, Height: 1080, FrameRateNum: 24, FrameRateDen: 1, Flags: media.ModeColorspaceRec709},
		{ID: ModeHD1080p25, Name: "1080p25", Width: 1920, Height: 1080, FrameRateNum: 25, FrameRateDen: 1, Flags: media.ModeColorspaceRec709},
		{ID: ModeHD1080p29, Name: "1080p29.97", Width: 1920, Height: 1080, FrameRateNum: 30000, FrameRateDen: 1001, Flags: media.ModeColorspaceRec709},
	}
}

// PatternByte is the value of byte n of the simulated audio stream. The
// stream is a continuous ramp across packets, so a consumer can check that
// nothing was lost, duplicated or reordered.
func PatternByte(n int64) byte {
	return byte(n % 251)
}
