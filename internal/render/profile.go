package render

import (
	"runtime"

	"github.com/poverlay/poverlay/internal/job"
)

// Widths above this are downscaled by the 4K-compat profile.
const compat4KMaxWidth = 3840

// ProfileCandidates resolves the profile fallback chain for one clip. A
// manually chosen profile is tried alone; "auto" yields an ordered chain
// picked by resolution and host platform, tried until one succeeds.
func ProfileCandidates(info *MediaInfo, requested string) []string {
	if requested != job.AutoRenderProfile {
		return []string{requested}
	}

	highRes := info.Width > 3840 || info.Height > 2160
	if runtime.GOOS == "darwin" {
		if highRes {
			return []string{"qt-hevc-balanced", "h264-4k-compat", "h264-source", "h264-fast"}
		}
		return []string{"h264-source", "qt-hevc-balanced", "h264-fast"}
	}
	if highRes {
		return []string{"h264-source", "h264-4k-compat", "h264-fast"}
	}
	return []string{"h264-source", "h264-fast"}
}

// OverlayDimensions returns the overlay canvas size for a clip under the
// given profile. Zero values mean "use the source dimensions as-is".
func OverlayDimensions(info *MediaInfo, profile string) (int, int) {
	if info.Width < 2 || info.Height < 2 {
		return 1920, 1080
	}
	if profile != "h264-4k-compat" || info.Width <= compat4KMaxWidth {
		return 0, 0
	}

	scale := float64(compat4KMaxWidth) / float64(info.Width)
	scaledHeight := int(float64(info.Height)*scale + 0.5)
	return toEven(compat4KMaxWidth), toEven(scaledHeight)
}

// toEven keeps dimensions encoder-safe (many codecs expect even dimensions).
func toEven(v int) int {
	if v < 2 {
		return 2
	}
	if v%2 != 0 {
		return v - 1
	}
	return v
}
