package hls

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafov/m3u8"
)

// ErrInvalidPlaylist is returned when engine output is not a usable VOD
// media playlist.
var ErrInvalidPlaylist = errors.New("invalid media playlist")

// VerifyRendition decodes the media playlist at playlistPath, requires it to
// be a closed media playlist with at least one segment, and checks every
// referenced segment exists next to it. It returns the segment URIs in
// playlist order.
func VerifyRendition(playlistPath string) ([]string, error) {
	f, err := os.Open(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer f.Close()

	playlist, listType, err := m3u8.DecodeFrom(f, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPlaylist, filepath.Base(playlistPath), err)
	}
	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if listType != m3u8.MEDIA || !ok {
		return nil, fmt.Errorf("%w: %s is not a media playlist", ErrInvalidPlaylist, filepath.Base(playlistPath))
	}
	if !mediaPlaylist.Closed {
		return nil, fmt.Errorf("%w: %s has no end marker", ErrInvalidPlaylist, filepath.Base(playlistPath))
	}

	dir := filepath.Dir(playlistPath)
	var segments []string
	for _, seg := range mediaPlaylist.Segments {
		if seg == nil {
			continue
		}
		uri := strings.TrimSpace(seg.URI)
		if uri == "" {
			continue
		}
		if strings.Contains(uri, "://") || filepath.IsAbs(uri) {
			return nil, fmt.Errorf("%w: segment %q is not relative", ErrInvalidPlaylist, uri)
		}
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(uri))); err != nil {
			return nil, fmt.Errorf("%w: segment %q: %v", ErrInvalidPlaylist, uri, err)
		}
		segments = append(segments, uri)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: %s lists no segments", ErrInvalidPlaylist, filepath.Base(playlistPath))
	}
	return segments, nil
}
