package decoder

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/biostream/internal/lua"
)

// DecodeFunction is the Lua global a decoding script must define:
//
//	function decode(frame)      -- frame is a 1-based table of byte values
//	    return {ch1, ch2, ...}, package_number   -- or nil to reject
//	end
//
// FRAME_LENGTH and CHANNEL_COUNT are set as globals before the script runs.
const DecodeFunction = "decode"

// Scripted frames the stream in Go (start marker, fixed length) and delegates
// validation and conversion of each candidate frame to a Lua script.
type Scripted struct {
	*framer
	engine   *lua.Engine
	logger   *logrus.Logger
	channels int
}

// NewScripted loads script and builds a decoder for frames described by the
// start marker and length of layout. When layout.ChannelCount is positive,
// results with a different number of values are rejected.
func NewScripted(layout Layout, script, name string, logger *logrus.Logger) (*Scripted, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if len(layout.Start) == 0 || layout.Length <= len(layout.Start) {
		return nil, fmt.Errorf("%w: scripted frames need a start marker and a length", ErrInvalidLayout)
	}

	engine := lua.NewEngine(logger)
	err := errors.Join(
		engine.SetGlobal("FRAME_LENGTH", layout.Length),
		engine.SetGlobal("CHANNEL_COUNT", layout.ChannelCount),
	)
	if err == nil {
		err = engine.LoadScript(script, name)
	}
	if err != nil {
		engine.Close()
		return nil, err
	}
	if !engine.HasFunction(DecodeFunction) {
		engine.Close()
		return nil, fmt.Errorf("script %s does not define %s(frame)", name, DecodeFunction)
	}

	d := &Scripted{
		engine:   engine,
		logger:   logger,
		channels: layout.ChannelCount,
	}
	d.framer = newFramer(layout.Start, layout.Length, d.validate)
	return d, nil
}

func (d *Scripted) validate(frame []byte) (Sample, bool) {
	values, pkg, err := d.engine.CallFrame(DecodeFunction, frame)
	if err != nil {
		if !errors.Is(err, lua.ErrRejected) {
			d.logger.WithError(err).Debug("Decode script failed")
		}
		return Sample{}, false
	}
	if d.channels > 0 && len(values) != d.channels {
		d.logger.WithFields(logrus.Fields{
			"expected": d.channels,
			"got":      len(values),
		}).Debug("Decode script returned wrong channel count")
		return Sample{}, false
	}
	return Sample{Package: pkg, Values: values}, true
}

// Close releases the Lua state.
func (d *Scripted) Close() {
	d.engine.Close()
}
