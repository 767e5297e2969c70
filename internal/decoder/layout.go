package decoder

import (
	"errors"
	"fmt"

	"github.com/srg/biostream/internal/codec"
)

// Checksum selects the frame integrity check.
type Checksum string

const (
	ChecksumNone Checksum = "none"
	ChecksumXOR  Checksum = "xor"  // XOR of the body bytes
	ChecksumSum8 Checksum = "sum8" // sum of the body bytes modulo 256
)

// ErrInvalidLayout is wrapped by every Layout validation failure.
var ErrInvalidLayout = errors.New("invalid frame layout")

// Layout describes a fixed-length binary frame.
//
// The body is everything between the start marker and the trailer. The
// trailer is the checksum byte (if any) followed by the end byte (if any).
type Layout struct {
	Start         []byte    `yaml:"start" json:"start"`
	Length        int       `yaml:"length" json:"length"`
	End           byte      `yaml:"end" json:"end"`
	EndMask       byte      `yaml:"end_mask" json:"end_mask"` // 0 disables the end check
	Checksum      Checksum  `yaml:"checksum" json:"checksum"`
	PackageOffset int       `yaml:"package_offset" json:"package_offset"` // -1 when absent
	ChannelOffset int       `yaml:"channel_offset" json:"channel_offset"`
	ChannelWidth  int       `yaml:"channel_width" json:"channel_width"` // bits: 8, 16, 24 or 32
	ChannelCount  int       `yaml:"channel_count" json:"channel_count"`
	Scale         []float64 `yaml:"scale" json:"scale"` // one value for all channels or one per channel
}

// HasEnd reports whether the layout carries an end byte.
func (l Layout) HasEnd() bool {
	return l.EndMask != 0
}

// HasChecksum reports whether the layout carries a checksum byte.
func (l Layout) HasChecksum() bool {
	return l.Checksum != "" && l.Checksum != ChecksumNone
}

// ChecksumOffset returns the index of the checksum byte, or -1.
func (l Layout) ChecksumOffset() int {
	if !l.HasChecksum() {
		return -1
	}
	if l.HasEnd() {
		return l.Length - 2
	}
	return l.Length - 1
}

// bodyEnd returns the index one past the last body byte.
func (l Layout) bodyEnd() int {
	end := l.Length
	if l.HasEnd() {
		end--
	}
	if l.HasChecksum() {
		end--
	}
	return end
}

// ScaleOf returns the scale factor of channel ch.
func (l Layout) ScaleOf(ch int) float64 {
	switch len(l.Scale) {
	case 0:
		return 1
	case 1:
		return l.Scale[0]
	default:
		return l.Scale[ch]
	}
}

// Validate checks that every field fits inside the frame.
func (l Layout) Validate() error {
	if len(l.Start) == 0 {
		return fmt.Errorf("%w: start marker is empty", ErrInvalidLayout)
	}
	if l.Length <= len(l.Start) {
		return fmt.Errorf("%w: length %d does not exceed start marker", ErrInvalidLayout, l.Length)
	}
	switch l.Checksum {
	case "", ChecksumNone, ChecksumXOR, ChecksumSum8:
	default:
		return fmt.Errorf("%w: unknown checksum %q", ErrInvalidLayout, l.Checksum)
	}
	switch l.ChannelWidth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: unsupported channel width %d", ErrInvalidLayout, l.ChannelWidth)
	}
	if l.ChannelCount < 0 {
		return fmt.Errorf("%w: negative channel count", ErrInvalidLayout)
	}

	bodyEnd := l.bodyEnd()
	if bodyEnd < len(l.Start) {
		return fmt.Errorf("%w: trailer overlaps start marker", ErrInvalidLayout)
	}
	if l.PackageOffset >= 0 && (l.PackageOffset < len(l.Start) || l.PackageOffset >= bodyEnd) {
		return fmt.Errorf("%w: package offset %d outside body", ErrInvalidLayout, l.PackageOffset)
	}
	last := l.ChannelOffset + l.ChannelCount*codec.Width(l.ChannelWidth)
	if l.ChannelCount > 0 && (l.ChannelOffset < len(l.Start) || last > bodyEnd) {
		return fmt.Errorf("%w: channels [%d,%d) outside body", ErrInvalidLayout, l.ChannelOffset, last)
	}
	if n := len(l.Scale); n > 1 && n != l.ChannelCount {
		return fmt.Errorf("%w: %d scale factors for %d channels", ErrInvalidLayout, n, l.ChannelCount)
	}
	return nil
}

// checksum computes the layout's checksum over the body of frame.
func (l Layout) checksum(frame []byte) byte {
	var sum byte
	for _, b := range frame[len(l.Start):l.bodyEnd()] {
		switch l.Checksum {
		case ChecksumXOR:
			sum ^= b
		case ChecksumSum8:
			sum += b
		}
	}
	return sum
}
