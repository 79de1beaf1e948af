// Package render drives the external overlay renderer and ffprobe. The
// renderer is a black box: it gets a working directory, a GPX track, a clip,
// and resolved parameters, and reports progress on stdout.
package render

import (
	"context"
	"fmt"
	"time"

	"github.com/poverlay/poverlay/internal/job"
)

// MediaInfo is the probed metadata of a video file.
type MediaInfo struct {
	Width        int
	Height       int
	FPS          float64
	FPSRaw       string
	Duration     float64
	Codec        string
	CreationTime string
}

// Resolution returns "WxH", or "" when unknown.
func (m *MediaInfo) Resolution() string {
	if m == nil || m.Width == 0 || m.Height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// Request describes one renderer invocation for one clip.
type Request struct {
	GPXPath    string
	VideoPath  string
	OutputPath string
	WorkDir    string
	LogPath    string

	Profile       string
	OverlayWidth  int // 0 = source dimensions
	OverlayHeight int

	Settings job.Settings

	// OnProgress receives renderer progress percentages as they are parsed
	// from the output stream. May be nil.
	OnProgress func(percent int)
}

// Result carries what the renderer reported, whether it succeeded or not.
type Result struct {
	LastLine string
	Elapsed  time.Duration
}

// Runner abstracts the renderer and probe binaries so the worker pipeline
// can be tested without them.
type Runner interface {
	Probe(ctx context.Context, path string) (*MediaInfo, error)
	// Render runs the external renderer to completion. A non-zero exit or
	// start failure is returned as an error; the Result is valid either way.
	Render(ctx context.Context, req Request) (*Result, error)
}
