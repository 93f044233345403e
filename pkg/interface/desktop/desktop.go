package desktop

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"relay-call/internal/session"

	"github.com/rs/zerolog/log"
)

// Controller is the part of a call the menu drives.
type Controller interface {
	SetMuted(muted bool)
	Muted() bool
	Status() session.Status
}

type DesktopInterface struct {
	call Controller
	in   io.Reader
	out  io.Writer
}

func NewDesktopInterface(call Controller, in io.Reader, out io.Writer) (*DesktopInterface, error) {
	if call == nil || in == nil || out == nil {
		return nil, errors.New("desktop interface params can't be nil")
	}
	return &DesktopInterface{call: call, in: in, out: out}, nil
}

const menu = "1. Unmute\n2. Mute\n3. Status\n4. Exit"

// StartDesktopInterface reads menu choices until Exit, end of input or ctx
// cancellation.
func (di *DesktopInterface) StartDesktopInterface(ctx context.Context) {
	log.Debug().Msg("Desktop interface started")
	fmt.Fprintln(di.out, "Desktop Interface Started\nBy default you are muted and sound is on")
	fmt.Fprintln(di.out, "Menu:")
	fmt.Fprintln(di.out, menu)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(di.in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(di.out, "Enter choice: ")
		var input string
		select {
		case <-ctx.Done():
			fmt.Fprintln(di.out)
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input = line
		}

		switch input {
		case "1":
			di.call.SetMuted(false)
			if st := di.call.Status(); !st.HandshakeOpen && st.Mixer != "" {
				fmt.Fprintln(di.out, "Unmuted, waiting for the mixer to accept the handshake")
			} else {
				fmt.Fprintln(di.out, "Unmuted")
			}
		case "2":
			di.call.SetMuted(true)
			fmt.Fprintln(di.out, "Muted")
		case "3":
			st := di.call.Status()
			mixer := st.Mixer
			if mixer == "" {
				mixer = "none"
			}
			fmt.Fprintf(di.out, "muted=%t capturing=%t handshake=%t mixer=%s participants=%d sent=%d\n",
				st.Muted, st.Capturing, st.HandshakeOpen, mixer, st.Participants, st.Sequence)
		case "4":
			fmt.Fprintln(di.out, "Exiting...")
			return
		case "":
		default:
			fmt.Fprintln(di.out, "Invalid choice, please try again.")
		}
	}
}
