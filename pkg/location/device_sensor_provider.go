package location

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// DeviceSensorProvider is responsible for retrieving location data from a GPS device connected via serial port.
type DeviceSensorProvider struct {
	port     string // Serial port to which the GPS device is connected
	baudRate int    // Baud rate for the serial communication
	open     func() (io.ReadCloser, error)
	now      func() time.Time
}

// NewDeviceSensorProvider creates a new instance of DeviceSensorProvider with the specified port and baud rate.
func NewDeviceSensorProvider(port string, baudRate int) *DeviceSensorProvider {
	d := &DeviceSensorProvider{
		port:     port,
		baudRate: baudRate,
		now:      time.Now,
	}
	d.open = func() (io.ReadCloser, error) {
		return serial.OpenPort(&serial.Config{Name: d.port, Baud: d.baudRate})
	}
	return d
}

// GetLocation reads sentences from the device until it sees a position fix.
// The port is closed when ctx is done, which unblocks a pending read.
func (d *DeviceSensorProvider) GetLocation(ctx context.Context) (Location, error) {
	s, err := d.open()
	if err != nil {
		return Location{}, fmt.Errorf("failed to open GPS port %s: %w", d.port, err)
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer func() {
		if stop() {
			s.Close()
		}
	}()

	loc, err := newSentenceReader(s, d.now).next(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Location{}, ctxErr
		}
		if errors.Is(err, io.EOF) {
			return Location{}, errors.New("no valid GPS data found")
		}
		return Location{}, err
	}
	return loc, nil
}

// Close releases nothing: the port is opened per read.
func (d *DeviceSensorProvider) Close() error {
	return nil
}
