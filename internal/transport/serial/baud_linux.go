//go:build linux

package serial

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

func setBaudRate(fd, baud int) error {
	rate, ok := baudRates[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to read termios: %w", err)
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= rate | unix.CLOCAL | unix.CREAD
	t.Ispeed = rate
	t.Ospeed = rate

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", baud, err)
	}
	return nil
}
