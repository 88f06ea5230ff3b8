package pipeline

import (
	"context"
	"sync/atomic"
)

// Device serializes access to the inference accelerator. One run holds it
// for all of its stages.
type Device struct {
	slot    chan struct{}
	waiting atomic.Int64
}

// NewDevice returns an unheld device
func NewDevice() *Device {
	return &Device{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the device is free or ctx is done. The returned
// release function is safe to call more than once.
func (d *Device) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.waiting.Add(1)
	defer d.waiting.Add(-1)

	select {
	case d.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			<-d.slot
		}
	}, nil
}

// Busy reports whether a run currently holds the device
func (d *Device) Busy() bool {
	return len(d.slot) > 0
}

// Waiting returns how many callers are queued in Acquire
func (d *Device) Waiting() int64 {
	return d.waiting.Load()
}
