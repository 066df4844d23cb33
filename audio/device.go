package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var ErrSelectionCancelled = errors.New("device selection cancelled")

// picker is the cursor state of the interactive device list.
type picker struct {
	devices []DeviceInfo
	cursor  int
}

// key applies one keypress read from a raw terminal. It reports whether
// the choice was confirmed and whether the user cancelled.
func (p *picker) key(buf []byte) (chosen, cancelled bool) {
	switch {
	case len(buf) == 1:
		switch buf[0] {
		case '\r', '\n':
			return true, false
		case 3, 'q': // Ctrl+C
			return false, true
		case 'j':
			p.move(1)
		case 'k':
			p.move(-1)
		}
	case len(buf) == 3 && buf[0] == 0x1b && buf[1] == '[':
		switch buf[2] {
		case 'A':
			p.move(-1)
		case 'B':
			p.move(1)
		}
	}
	return false, false
}

func (p *picker) move(d int) {
	p.cursor = min(max(p.cursor+d, 0), len(p.devices)-1)
}

func (p *picker) render(w io.Writer) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Select input device (↑/↓, Enter to confirm):\r\n\r\n")
	for i, d := range p.devices {
		name := d.Name
		if IsBluetooth(name) {
			name += " (bluetooth)"
		}
		if i == p.cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s\x1b[0m\r\n", name)
		} else {
			fmt.Fprintf(w, "    %s\r\n", name)
		}
	}
}

// SelectDevice lets the user pick a capture device with the arrow keys.
// A single device is returned without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, fmt.Errorf("no capture devices found")
	case 1:
		fmt.Printf("Using device: %s\n", devices[0].Name)
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	p := &picker{devices: devices}
	p.render(os.Stdout)

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		chosen, cancelled := p.key(buf[:n])
		switch {
		case chosen:
			fmt.Print("\r\n")
			return &devices[p.cursor], nil
		case cancelled:
			fmt.Print("\r\n")
			return nil, ErrSelectionCancelled
		}
		// Move up over the previous list and redraw.
		fmt.Printf("\x1b[%dA", len(devices)+2)
		p.render(os.Stdout)
	}
}
