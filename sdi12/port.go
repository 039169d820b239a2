package sdi12

import (
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Open opens a serial adapter with SDI-12 framing (7 data bits, even parity,
// one stop bit)
func Open(path string, baudRate int) (serial.Port, error) {
	if baudRate == 0 {
		baudRate = BaudRate
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 7,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "sdi12: open %s", path)
	}
	return port, nil
}

// OpenDirectionPin initializes the host GPIO drivers and looks up the named pin
func OpenDirectionPin(name string) (gpio.PinIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "sdi12: init host drivers")
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.Errorf("sdi12: gpio pin %q not found", name)
	}
	return pin, nil
}
