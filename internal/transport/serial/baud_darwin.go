//go:build darwin

package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]struct{}{
	9600: {}, 19200: {}, 38400: {}, 57600: {}, 115200: {}, 230400: {}, 460800: {}, 921600: {},
}

func setBaudRate(fd, baud int) error {
	if _, ok := baudRates[baud]; !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}

	t, err := unix.IoctlGetTermios(fd, unix.TIOCGETA)
	if err != nil {
		return fmt.Errorf("failed to read termios: %w", err)
	}
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Ispeed = uint64(baud)
	t.Ospeed = uint64(baud)

	if err := unix.IoctlSetTermios(fd, unix.TIOCSETA, t); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", baud, err)
	}
	return nil
}
