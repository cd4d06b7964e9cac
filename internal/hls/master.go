// Package hls assembles master manifests and checks the media playlists the
// encoder produces.
package hls

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"vodforge/internal/models"
)

const (
	MasterName     = "master.m3u8"
	PlaylistName   = "playlist.m3u8"
	SegmentPattern = "segment_%03d.ts"

	// Codecs advertises H.264 High@4.0 with AAC-LC, matching the encoder
	// settings in the transcode package.
	Codecs = "avc1.640028,mp4a.40.2"

	peakOverheadPercent = 110
)

// Order controls how variants are listed in the master manifest.
type Order string

const (
	OrderAscending  Order = "ascending"
	OrderDescending Order = "descending"
)

// ParseOrder accepts "ascending" or "descending". There is deliberately no
// fallback value.
func ParseOrder(value string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(value))) {
	case OrderAscending:
		return OrderAscending, nil
	case OrderDescending:
		return OrderDescending, nil
	case "":
		return "", errors.New("manifest order must be set to ascending or descending")
	default:
		return "", fmt.Errorf("unknown manifest order %q", value)
	}
}

// Entry is one EXT-X-STREAM-INF line of a master manifest.
type Entry struct {
	Label            string
	URI              string
	Bandwidth        int
	AverageBandwidth int
	Resolution       string
}

// Master is a rendered master manifest.
type Master struct {
	Entries []Entry
	Data    []byte
}

// PlaylistURI is the master-relative path of a variant's playlist.
func PlaylistURI(label string) string {
	return label + "/" + PlaylistName
}

// Assemble renders the master manifest for variants in the requested order.
// Variants with equal bandwidth keep their declared order.
func Assemble(variants []models.QualityVariant, order Order) (Master, error) {
	if len(variants) == 0 {
		return Master{}, errors.New("master manifest needs at least one variant")
	}
	if order != OrderAscending && order != OrderDescending {
		return Master{}, fmt.Errorf("unknown manifest order %q", order)
	}

	entries := make([]Entry, 0, len(variants))
	for _, v := range variants {
		if err := v.Validate(); err != nil {
			return Master{}, err
		}
		average := v.TotalKbps() * 1000
		entries = append(entries, Entry{
			Label:            v.Label,
			URI:              PlaylistURI(v.Label),
			Bandwidth:        average * peakOverheadPercent / 100,
			AverageBandwidth: average,
			Resolution:       v.Resolution(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if order == OrderAscending {
			return entries[i].Bandwidth < entries[j].Bandwidth
		}
		return entries[i].Bandwidth > entries[j].Bandwidth
	})

	var buf bytes.Buffer
	buf.WriteString("#EXTM3U\n")
	buf.WriteString("#EXT-X-VERSION:3\n")
	buf.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	for _, e := range entries {
		fmt.Fprintf(&buf, "#EXT-X-STREAM-INF:BANDWIDTH=%d,AVERAGE-BANDWIDTH=%d,RESOLUTION=%s,CODECS=\"%s\"\n",
			e.Bandwidth, e.AverageBandwidth, e.Resolution, Codecs)
		buf.WriteString(e.URI)
		buf.WriteByte('\n')
	}
	return Master{Entries: entries, Data: buf.Bytes()}, nil
}
