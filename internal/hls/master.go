// Package hls assembles the adaptive-bitrate master playlist and checks the
// per-profile media playlists the engine writes.
package hls

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"hls-ingest/internal/media"
)

// MasterName is the file name of the master playlist, both locally and in
// the production store.
const MasterName = "master.m3u8"

// Content types attached to uploaded artifacts.
const (
	PlaylistContentType = "application/x-mpegURL"
	SegmentContentType  = "video/MP2T"
)

// VariantURI is the master-relative path of a profile's media playlist.
func VariantURI(p media.Profile) string {
	return path.Join(p.Name, p.PlaylistName())
}

// BuildMaster renders the master playlist listing every profile in
// declaration order. Lines are joined with "\n" and there is no trailing
// newline.
func BuildMaster(profiles []media.Profile) string {
	lines := make([]string, 0, 2+len(profiles)*2)
	lines = append(lines, "#EXTM3U", "#EXT-X-VERSION:3")
	for _, p := range profiles {
		lines = append(lines,
			fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s", p.Bandwidth(), p.Resolution()),
			VariantURI(p),
		)
	}
	return strings.Join(lines, "\n")
}

// WriteMaster writes the master playlist into dir and returns its path.
func WriteMaster(dir string, profiles []media.Profile) (string, error) {
	if len(profiles) == 0 {
		return "", fmt.Errorf("no profiles to list")
	}
	target := filepath.Join(dir, MasterName)
	if err := os.WriteFile(target, []byte(BuildMaster(profiles)), 0o644); err != nil {
		return "", fmt.Errorf("write master playlist: %w", err)
	}
	return target, nil
}

// ContentType picks the content type for an artifact by file name.
func ContentType(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".m3u8") {
		return PlaylistContentType
	}
	return SegmentContentType
}
