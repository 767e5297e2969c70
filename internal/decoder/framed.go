package decoder

import (
	"fmt"
	"math"

	"github.com/srg/biostream/internal/codec"
)

// Framed is the table-driven decoder used by every board with a fixed binary
// frame: start marker, package counter, big-endian channel samples, optional
// checksum and end byte.
type Framed struct {
	*framer
	layout Layout
}

// NewFramed builds a decoder for layout.
func NewFramed(layout Layout) (*Framed, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	d := &Framed{layout: layout}
	d.framer = newFramer(layout.Start, layout.Length, d.validate)
	return d, nil
}

// Layout returns the frame layout the decoder was built for.
func (d *Framed) Layout() Layout {
	return d.layout
}

func (d *Framed) validate(frame []byte) (Sample, bool) {
	l := d.layout

	if l.HasEnd() && frame[l.Length-1]&l.EndMask != l.End&l.EndMask {
		return Sample{}, false
	}
	if off := l.ChecksumOffset(); off >= 0 && frame[off] != l.checksum(frame) {
		return Sample{}, false
	}

	return Sample{
		Package: packageOf(l, frame),
		Values:  channelsOf(l, frame),
	}, true
}

func packageOf(l Layout, frame []byte) float64 {
	if l.PackageOffset < 0 {
		return 0
	}
	return float64(frame[l.PackageOffset])
}

func channelsOf(l Layout, frame []byte) []float64 {
	w := codec.Width(l.ChannelWidth)
	values := make([]float64, l.ChannelCount)
	for ch := range values {
		off := l.ChannelOffset + ch*w
		raw := codec.DecodeBESigned(frame[off:off+w], l.ChannelWidth)
		values[ch] = float64(raw) * l.ScaleOf(ch)
	}
	return values
}

// Encode builds a valid frame for layout. Values are divided by the channel
// scale, rounded and clamped to the channel width.
func Encode(l Layout, pkg byte, values []float64) ([]byte, error) {
	raw := make([]int32, l.ChannelCount)
	for ch := range raw {
		if ch >= len(values) {
			break
		}
		scale := l.ScaleOf(ch)
		if scale == 0 {
			scale = 1
		}
		raw[ch] = codec.Clamp(int64(math.Round(values[ch]/scale)), l.ChannelWidth)
	}
	return EncodeRaw(l, pkg, raw)
}

// EncodeRaw builds a valid frame for layout from unscaled channel counts.
func EncodeRaw(l Layout, pkg byte, raw []int32) ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if len(raw) > l.ChannelCount {
		return nil, fmt.Errorf("%d values for %d channels", len(raw), l.ChannelCount)
	}

	frame := make([]byte, l.Length)
	copy(frame, l.Start)
	if l.PackageOffset >= 0 {
		frame[l.PackageOffset] = pkg
	}

	w := codec.Width(l.ChannelWidth)
	for ch, v := range raw {
		off := l.ChannelOffset + ch*w
		codec.PutBESigned(frame[off:off+w], v, l.ChannelWidth)
	}

	if l.HasEnd() {
		frame[l.Length-1] = l.End
	}
	if off := l.ChecksumOffset(); off >= 0 {
		frame[off] = l.checksum(frame)
	}
	return frame, nil
}
