package hls

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/grafov/m3u8"
)

// ErrEmptyPlaylist is returned for a media playlist without segments.
var ErrEmptyPlaylist = errors.New("media playlist has no segments")

// ValidateMediaPlaylist decodes the media playlist at playlistPath and checks
// that it lists at least one segment and that every segment exists next to
// it and is non-empty. It returns the absolute segment paths in playlist
// order.
func ValidateMediaPlaylist(playlistPath string) ([]string, error) {
	file, err := os.Open(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("open playlist: %w", err)
	}
	defer file.Close()

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(file), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist %s: %w", playlistPath, err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("%s is not a media playlist", playlistPath)
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("%s is not a media playlist", playlistPath)
	}

	dir := filepath.Dir(playlistPath)
	var segments []string
	for _, segment := range media.Segments {
		if segment == nil {
			continue
		}
		uri := strings.TrimSpace(segment.URI)
		if !isPlainName(uri) {
			return nil, fmt.Errorf("segment uri %q must be a file name relative to the playlist", uri)
		}
		full := filepath.Join(dir, uri)
		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", uri, err)
		}
		if info.Size() == 0 {
			return nil, fmt.Errorf("segment %s is empty", uri)
		}
		segments = append(segments, full)
	}
	if len(segments) == 0 {
		return nil, ErrEmptyPlaylist
	}
	return segments, nil
}

// DecodeMaster parses master manifest bytes and returns the variant URIs in
// listed order.
func DecodeMaster(data []byte) ([]*m3u8.Variant, error) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(string(data)), false)
	if err != nil {
		return nil, fmt.Errorf("decode master: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, errors.New("manifest is not a master playlist")
	}
	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, errors.New("manifest is not a master playlist")
	}
	return master.Variants, nil
}

// SegmentURIs parses media playlist bytes and returns its segment URIs.
func SegmentURIs(data []byte) ([]string, error) {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(string(data)), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, errors.New("not a media playlist")
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, errors.New("not a media playlist")
	}
	var uris []string
	for _, segment := range media.Segments {
		if segment != nil {
			uris = append(uris, segment.URI)
		}
	}
	return uris, nil
}

func isPlainName(uri string) bool {
	if uri == "" || uri == "." || uri == ".." {
		return false
	}
	if strings.Contains(uri, "://") || strings.ContainsAny(uri, `/\`) {
		return false
	}
	return path.Clean(uri) == uri
}
