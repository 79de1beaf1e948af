package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Probe extracts video metadata with ffprobe.
func (r *Renderer) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, r.FFProbeBin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("ffprobe %s: %w: %s", path, err, detail)
		}
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var out struct {
		Streams []struct {
			CodecType    string `json:"codec_type"`
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			AvgFrameRate string `json:"avg_frame_rate"`
			Tags         struct {
				CreationTime string `json:"creation_time"`
			} `json:"tags"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
			Tags     struct {
				CreationTime string `json:"creation_time"`
			} `json:"tags"`
		} `json:"format"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output for %s: %w", path, err)
	}

	info := &MediaInfo{CreationTime: out.Format.Tags.CreationTime}
	if out.Format.Duration != "" {
		info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		info.Width = s.Width
		info.Height = s.Height
		info.Codec = s.CodecName
		info.FPSRaw = s.AvgFrameRate
		info.FPS = parseFPS(s.AvgFrameRate)
		if info.CreationTime == "" {
			info.CreationTime = s.Tags.CreationTime
		}
		break
	}

	if info.Width == 0 || info.Height == 0 {
		return nil, fmt.Errorf("ffprobe %s: no video stream found", path)
	}
	return info, nil
}

// parseFPS evaluates ffprobe frame rates like "30000/1001" or "60".
func parseFPS(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0/0" {
		return 0
	}
	if num, den, ok := strings.Cut(raw, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}
