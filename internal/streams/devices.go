package streams

import (
	"fmt"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/device/sim"
	"github.com/bryanchriswhite/framelink/internal/gpudirect"
)

// Devices resolves device indexes to hardware.
type Devices interface {
	Output(index int) (device.OutputDevice, error)
	Input(index int) (device.InputDevice, error)
}

// DMAProvider is implemented by Devices that have GPUDirect engines.
type DMAProvider interface {
	// DMA returns nil when the device has no engine.
	DMA(index int) gpudirect.DMA
}

// SimOptions configures NewSimDevices.
type SimOptions struct {
	Count    int
	Realtime bool
	Speed    float64
	// GPU attaches a simulated GPUDirect engine to every output.
	GPU   bool
	Keyer bool
	// LinkModes lists the link modes supported besides single link.
	LinkModes []device.LinkMode
}

// SimDevices is a rack of simulated cards, each with one output and one
// input.
type SimDevices struct {
	outputs []*sim.Output
	inputs  []*sim.Input
}

// NewSimDevices creates opts.Count simulated cards (at least one).
func NewSimDevices(opts SimOptions) *SimDevices {
	n := max(opts.Count, 1)
	d := &SimDevices{}
	for i := 0; i < n; i++ {
		oo := sim.OutputOptions{
			Index:           i,
			Realtime:        opts.Realtime,
			Speed:           opts.Speed,
			Keyer:           opts.Keyer,
			LinkModes:       opts.LinkModes,
			ReferenceLocked: true,
		}
		if opts.GPU {
			oo.GPU = &sim.GPU{}
		}
		d.outputs = append(d.outputs, sim.NewOutput(oo))
		d.inputs = append(d.inputs, sim.NewInput(sim.InputOptions{
			Index:    i,
			Realtime: opts.Realtime,
			Speed:    opts.Speed,
		}))
	}
	return d
}

func (d *SimDevices) check(index int) error {
	if index < 0 || index >= len(d.outputs) {
		return fmt.Errorf("%w: %d", device.ErrInvalidDeviceIndex, index)
	}
	return nil
}

func (d *SimDevices) Output(index int) (device.OutputDevice, error) {
	if err := d.check(index); err != nil {
		return nil, err
	}
	return d.outputs[index], nil
}

func (d *SimDevices) Input(index int) (device.InputDevice, error) {
	if err := d.check(index); err != nil {
		return nil, err
	}
	return d.inputs[index], nil
}

func (d *SimDevices) DMA(index int) gpudirect.DMA {
	if d.check(index) != nil {
		return nil
	}
	if g := d.outputs[index].GPU(); g != nil {
		return g
	}
	return nil
}

// SimOutput exposes the simulator behind an output for scripting.
func (d *SimDevices) SimOutput(index int) (*sim.Output, error) {
	if err := d.check(index); err != nil {
		return nil, err
	}
	return d.outputs[index], nil
}

// SimInput exposes the simulator behind an input for scripting signal
// changes.
func (d *SimDevices) SimInput(index int) (*sim.Input, error) {
	if err := d.check(index); err != nil {
		return nil, err
	}
	return d.inputs[index], nil
}

// Count is the number of cards.
func (d *SimDevices) Count() int { return len(d.outputs) }
