package render

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// progressRe matches the renderer's "[ 42%]" progress lines.
var progressRe = regexp.MustCompile(`\[(\s*\d+)%\]`)

var ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Renderer invokes the real overlay renderer and ffprobe binaries.
type Renderer struct {
	Bin        string
	FFProbeBin string
	FontPath   string
	ConfigDir  string
}

// buildArgs assembles the renderer argv for one clip.
func (r *Renderer) buildArgs(req Request) []string {
	s := req.Settings
	args := []string{
		"--font", r.FontPath,
		"--gpx", req.GPXPath,
		"--use-gpx-only",
		"--video-time-start", "file-modified",
		"--map-style", s.MapStyle,
		"--units-speed", s.SpeedUnits,
		"--units-altitude", s.AltitudeUnits,
		"--units-distance", s.DistanceUnits,
		"--units-temperature", s.TemperatureUnits,
		"--config-dir", r.ConfigDir,
		"--cache-dir", r.ConfigDir,
		"--layout", "xml",
		"--layout-xml", filepath.Join(r.ConfigDir, "layouts", s.LayoutStyle+"-"+s.OverlayTheme+".xml"),
		"--profile", req.Profile,
	}

	if !s.IncludeMaps {
		args = append(args, "--exclude", "moving_map", "--exclude", "journey_map")
	}
	if s.GPXOffsetSeconds != 0 {
		args = append(args, "--gpx-time-offset", strconv.FormatFloat(s.GPXOffsetSeconds, 'f', -1, 64))
	}

	if req.OverlayWidth > 0 && req.OverlayHeight > 0 {
		args = append(args, "--overlay-size", fmt.Sprintf("%dx%d", req.OverlayWidth, req.OverlayHeight))
	}

	switch s.FPSMode {
	case "source_rounded":
		args = append(args, "--overlay-fps-round")
	case "fixed":
		args = append(args, "--overlay-fps", strconv.FormatFloat(s.FixedFPS, 'f', -1, 64))
	}

	args = append(args, "--", req.VideoPath, req.OutputPath)
	return args
}

// Render runs the renderer to completion, appending its merged output to the
// log file and reporting parsed progress percentages through req.OnProgress.
func (r *Renderer) Render(ctx context.Context, req Request) (*Result, error) {
	logFile, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &Result{}, fmt.Errorf("open render log: %w", err)
	}
	defer logFile.Close()

	args := r.buildArgs(req)
	fmt.Fprintf(logFile, "\n=== Renderer attempt at %s ===\n%s %s\n",
		time.Now().UTC().Format(time.RFC3339), r.Bin, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.Dir = req.WorkDir

	// Progress and errors arrive interleaved; merge stderr into the stream.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	started := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return &Result{}, fmt.Errorf("start renderer: %w", err)
	}

	lastLine := make(chan string, 1)
	go func() {
		var last string
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			logFile.WriteString(line + "\n") //nolint:errcheck
			if trimmed := normalizeLine(line); trimmed != "" {
				last = trimmed
			}
			if m := progressRe.FindStringSubmatch(line); m != nil && req.OnProgress != nil {
				if pct, err := strconv.Atoi(strings.TrimSpace(m[1])); err == nil {
					req.OnProgress(pct)
				}
			}
		}
		lastLine <- last
	}()

	waitErr := cmd.Wait()
	pw.Close()
	res := &Result{
		LastLine: <-lastLine,
		Elapsed:  time.Since(started),
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if res.LastLine != "" {
			return res, fmt.Errorf("renderer exited: %w: %s", waitErr, res.LastLine)
		}
		return res, fmt.Errorf("renderer exited: %w", waitErr)
	}
	return res, nil
}

// normalizeLine strips ANSI escapes and surrounding whitespace.
func normalizeLine(s string) string {
	return strings.TrimSpace(ansiEscapeRe.ReplaceAllString(s, ""))
}
