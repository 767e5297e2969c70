package main

import (
	"errors"
	"fmt"

	"github.com/srg/biostream/internal/boards"
	"github.com/srg/biostream/pkg/board"
	"github.com/srg/biostream/pkg/config"
)

// Command-level errors
var (
	// ErrStreamFault means acquisition stopped on its own, e.g. the device was unplugged.
	ErrStreamFault = errors.New("acquisition stopped")
)

// FormatUserError turns err into a one-line message without Go error chains
// users cannot act on.
func FormatUserError(err error) string {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		return "invalid configuration: " + verrs.Error()
	}

	var berr *board.Error
	if errors.As(err, &berr) {
		switch berr.Code {
		case board.UnsupportedBoard:
			if errors.Is(err, boards.ErrUnknownBoard) {
				return fmt.Sprintf("%v (run 'biostream boards' for the list)", berr.Err)
			}
		case board.UnableToOpenTransport:
			return fmt.Sprintf("cannot open device: %v", berr.Err)
		case board.ThreadJoinTimeout:
			return "acquisition did not stop in time; the device may be unresponsive"
		}
	}
	return err.Error()
}
