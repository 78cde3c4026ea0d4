package media

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Profile is a fixed encoding target applied to every source video. Bitrate
// is expressed in kbit/s.
type Profile struct {
	Name    string
	Width   int
	Height  int
	Bitrate int
}

// MaxRate is the peak bitrate ceiling handed to the encoder, 1.07x the target.
func (p Profile) MaxRate() int {
	return int(math.Round(float64(p.Bitrate) * 1.07))
}

// BufSize is the rate-control buffer, twice the target.
func (p Profile) BufSize() int {
	return p.Bitrate * 2
}

// Bandwidth is the peak bandwidth advertised in the master playlist, in bit/s.
func (p Profile) Bandwidth() int {
	return p.Bitrate * 1000
}

// Resolution renders the pixel dimensions as WIDTHxHEIGHT.
func (p Profile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// PlaylistName is the file name of the per-profile media playlist.
func (p Profile) PlaylistName() string {
	return p.Name + ".m3u8"
}

// SegmentPattern is the printf-style segment file name handed to ffmpeg.
func (p Profile) SegmentPattern() string {
	return p.Name + "_%03d.ts"
}

func (p Profile) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if strings.ContainsAny(p.Name, `/\ `) {
		return fmt.Errorf("profile %q: name must not contain separators or spaces", p.Name)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("profile %q: dimensions must be positive", p.Name)
	}
	if p.Bitrate <= 0 {
		return fmt.Errorf("profile %q: bitrate must be positive", p.Name)
	}
	return nil
}

// DefaultProfiles returns the standard ladder in declaration order. The
// master playlist lists variants in this order.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800},
		{Name: "480p", Width: 854, Height: 480, Bitrate: 1400},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2800},
	}
}

// ValidateProfiles checks every profile and rejects duplicate names.
func ValidateProfiles(profiles []Profile) error {
	if len(profiles) == 0 {
		return fmt.Errorf("at least one profile is required")
	}
	seen := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return err
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate profile %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// ParseProfiles reads a comma separated ladder of name:WIDTHxHEIGHT:KBPS
// entries, e.g. "360p:640x360:800,720p:1280x720:2800". An empty string yields
// DefaultProfiles.
func ParseProfiles(ladder string) ([]Profile, error) {
	ladder = strings.TrimSpace(ladder)
	if ladder == "" {
		return DefaultProfiles(), nil
	}
	var profiles []Profile
	for _, entry := range strings.Split(ladder, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid profile %q, expected name:WIDTHxHEIGHT:KBPS", entry)
		}
		dims := strings.SplitN(strings.ToLower(parts[1]), "x", 2)
		if len(dims) != 2 {
			return nil, fmt.Errorf("invalid profile %q: bad dimensions %q", entry, parts[1])
		}
		width, err := strconv.Atoi(strings.TrimSpace(dims[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid profile %q: width: %w", entry, err)
		}
		height, err := strconv.Atoi(strings.TrimSpace(dims[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid profile %q: height: %w", entry, err)
		}
		bitrate, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(parts[2]), "k"))
		if err != nil {
			return nil, fmt.Errorf("invalid profile %q: bitrate: %w", entry, err)
		}
		profiles = append(profiles, Profile{
			Name:    strings.TrimSpace(parts[0]),
			Width:   width,
			Height:  height,
			Bitrate: bitrate,
		})
	}
	if err := ValidateProfiles(profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// CloneProfiles returns a copy so callers cannot mutate a shared ladder.
func CloneProfiles(src []Profile) []Profile {
	if len(src) == 0 {
		return nil
	}
	out := make([]Profile, len(src))
	copy(out, src)
	return out
}
