package report

import (
	"fmt"
	"io"
	"os"

	"go.bug.st/serial"
)

// StdoutOutput selects standard output as the report channel
const StdoutOutput = "stdout"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// OpenOutput opens the report channel: stdout, or a serial device at the
// given baud rate with 8N1 framing
func OpenOutput(target string, baudRate int) (io.WriteCloser, error) {
	if target == "" || target == StdoutOutput {
		return nopCloser{os.Stdout}, nil
	}

	port, err := serial.Open(target, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open report port %s: %w", target, err)
	}
	return port, nil
}
