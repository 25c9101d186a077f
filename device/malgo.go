package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gen2brain/malgo"
)

// malgoContext backs Context with miniaudio. Both devices run mono
// float32 so samples cross the boundary without a format conversion.
type malgoContext struct {
	ctx *malgo.AllocatedContext
}

// NewContext initializes the platform audio backend.
func NewContext() (Context, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &malgoContext{ctx: ctx}, nil
}

func (c *malgoContext) OpenCapture(onData func(samples []float32)) (Device, int, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	// SampleRate 0 keeps the device at its native rate; the capture
	// engine resamples afterwards.
	deviceConfig.SampleRate = 0
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, frameCount uint32) {
			onData(bytesToFloats(pInputSamples, int(frameCount)))
		},
	}

	dev, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, 0, fmt.Errorf("init capture device: %w", err)
	}
	return &malgoDevice{dev: dev}, int(dev.SampleRate()), nil
}

func (c *malgoContext) OpenPlayback(sampleRate int, render func(out []float32)) (Device, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	var scratch []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutputSamples, _ []byte, frameCount uint32) {
			n := int(frameCount)
			if cap(scratch) < n {
				scratch = make([]float32, n)
			}
			out := scratch[:n]
			render(out)
			floatsToBytes(pOutputSamples, out)
		},
	}

	dev, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	return &malgoDevice{dev: dev}, nil
}

func (c *malgoContext) Close() error {
	if err := c.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninit audio context: %w", err)
	}
	c.ctx.Free()
	return nil
}

type malgoDevice struct {
	dev *malgo.Device
}

func (d *malgoDevice) Start() error {
	return d.dev.Start()
}

func (d *malgoDevice) Stop() error {
	err := d.dev.Stop()
	d.dev.Uninit()
	return err
}

func bytesToFloats(data []byte, frames int) []float32 {
	out := make([]float32, frames)
	for i := 0; i < frames && (i+1)*4 <= len(data); i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func floatsToBytes(dst []byte, samples []float32) {
	for i, s := range samples {
		if (i+1)*4 > len(dst) {
			return
		}
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
}
