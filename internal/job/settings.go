package job

import (
	"errors"
	"fmt"
)

// AutoRenderProfile asks the worker to pick an export profile per clip.
const AutoRenderProfile = "auto"

var validSpeedUnits = map[string]bool{
	"kph": true, "mph": true, "knots": true,
}

var validGPXSpeedUnits = map[string]bool{
	"auto": true, "mps": true, "kph": true, "mph": true,
}

var validAltitudeUnits = map[string]bool{
	"metre": true, "foot": true,
}

var validDistanceUnits = map[string]bool{
	"km": true, "mile": true,
}

var validTemperatureUnits = map[string]bool{
	"degC": true, "degF": true,
}

var validMapStyles = map[string]bool{
	"osm": true, "tf-cycle": true, "tf-outdoors": true, "geo-osm-carto": true,
}

var validThemes = map[string]bool{
	"powder-neon": true, "alpine-glass": true, "midnight-carbon": true, "classic": true,
}

var validLayoutStyles = map[string]bool{
	"standard": true, "compact": true, "race": true,
}

var validFPSModes = map[string]bool{
	"source_exact": true, "source_rounded": true, "fixed": true,
}

// ValidRenderProfiles are the manually selectable export profiles, plus auto.
var ValidRenderProfiles = map[string]bool{
	AutoRenderProfile:  true,
	"h264-source":      true,
	"h264-fast":        true,
	"h264-4k-compat":   true,
	"qt-hevc-balanced": true,
}

// Settings holds the render options captured at submission. They apply to
// every clip in the job.
type Settings struct {
	SpeedUnits       string  `json:"speed_units"`
	GPXSpeedUnit     string  `json:"gpx_speed_unit"`
	AltitudeUnits    string  `json:"altitude_units"`
	DistanceUnits    string  `json:"distance_units"`
	TemperatureUnits string  `json:"temperature_units"`
	MapStyle         string  `json:"map_style"`
	GPXOffsetSeconds float64 `json:"gpx_offset_seconds"`
	OverlayTheme     string  `json:"overlay_theme"`
	LayoutStyle      string  `json:"layout_style"`
	IncludeMaps      bool    `json:"include_maps"`
	FPSMode          string  `json:"fps_mode"`
	FixedFPS         float64 `json:"fixed_fps"`
	RenderProfile    string  `json:"render_profile"`
}

// DefaultSettings returns the submission-form defaults.
func DefaultSettings() Settings {
	return Settings{
		SpeedUnits:       "kph",
		GPXSpeedUnit:     "auto",
		AltitudeUnits:    "metre",
		DistanceUnits:    "km",
		TemperatureUnits: "degC",
		MapStyle:         "osm",
		OverlayTheme:     "powder-neon",
		LayoutStyle:      "standard",
		IncludeMaps:      true,
		FPSMode:          "source_exact",
		FixedFPS:         30.0,
		RenderProfile:    AutoRenderProfile,
	}
}

func (s *Settings) Validate() error {
	if !validSpeedUnits[s.SpeedUnits] {
		return fmt.Errorf("unsupported speed units: %s", s.SpeedUnits)
	}
	if !validGPXSpeedUnits[s.GPXSpeedUnit] {
		return fmt.Errorf("unsupported gpx_speed_unit: %s", s.GPXSpeedUnit)
	}
	if !validAltitudeUnits[s.AltitudeUnits] {
		return fmt.Errorf("unsupported altitude units: %s", s.AltitudeUnits)
	}
	if !validDistanceUnits[s.DistanceUnits] {
		return fmt.Errorf("unsupported distance units: %s", s.DistanceUnits)
	}
	if !validTemperatureUnits[s.TemperatureUnits] {
		return fmt.Errorf("unsupported temperature units: %s", s.TemperatureUnits)
	}
	if !validMapStyles[s.MapStyle] {
		return fmt.Errorf("unsupported map style: %s", s.MapStyle)
	}
	if !validThemes[s.OverlayTheme] {
		return fmt.Errorf("unsupported overlay theme: %s", s.OverlayTheme)
	}
	if !validLayoutStyles[s.LayoutStyle] {
		return fmt.Errorf("unsupported layout style: %s", s.LayoutStyle)
	}
	if !validFPSModes[s.FPSMode] {
		return fmt.Errorf("unsupported fps mode: %s", s.FPSMode)
	}
	if s.FPSMode == "fixed" && s.FixedFPS <= 0 {
		return errors.New("fixed_fps must be > 0")
	}
	if !ValidRenderProfiles[s.RenderProfile] {
		return fmt.Errorf("unsupported render_profile: %s", s.RenderProfile)
	}
	return nil
}

// Catalog entries surfaced by GET /api/meta so the upload form can stay in
// sync with what the orchestrator accepts.

type CatalogEntry struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Default bool   `json:"is_default,omitempty"`
}

func ThemeCatalog() []CatalogEntry {
	return []CatalogEntry{
		{ID: "powder-neon", Label: "Powder Neon", Default: true},
		{ID: "alpine-glass", Label: "Alpine Glass"},
		{ID: "midnight-carbon", Label: "Midnight Carbon"},
		{ID: "classic", Label: "Classic"},
	}
}

func LayoutStyleCatalog() []CatalogEntry {
	return []CatalogEntry{
		{ID: "standard", Label: "Standard", Default: true},
		{ID: "compact", Label: "Compact"},
		{ID: "race", Label: "Race"},
	}
}

func RenderProfileCatalog() []CatalogEntry {
	return []CatalogEntry{
		{ID: AutoRenderProfile, Label: "Auto (Recommended)", Default: true},
		{ID: "h264-source", Label: "H.264 source quality"},
		{ID: "h264-fast", Label: "H.264 fast"},
		{ID: "h264-4k-compat", Label: "H.264 4K compatibility"},
		{ID: "qt-hevc-balanced", Label: "HEVC balanced (macOS)"},
	}
}
