// Package capture implements microphone capture as an [audio.Source] using
// the miniaudio bindings.
package capture

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/mvarner/wyostream/pkg/audio"
)

// DeviceInfo identifies a capture device.
type DeviceInfo struct {
	// ID is the hex-encoded device identifier, stable across restarts on
	// most backends.
	ID string

	// Name is the human-readable device name.
	Name string
}

// Config tunes a microphone source.
type Config struct {
	// Format is the desired capture format.
	Format audio.Format

	// DeviceID selects a device from [ListDevices]. Empty uses the system
	// default microphone.
	DeviceID string

	// ChunkDuration is how much audio each emitted chunk carries.
	// Default: 100ms.
	ChunkDuration time.Duration
}

// ListDevices enumerates the available capture devices.
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	devices, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, DeviceInfo{
			ID:   hex.EncodeToString(d.ID[:]),
			Name: d.Name(),
		})
	}
	return infos, nil
}

// Compile-time interface check.
var _ audio.Source = (*Microphone)(nil)

// Microphone captures PCM audio from a system input device. It implements
// [audio.Source].
type Microphone struct {
	cfg  Config
	name string

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	running bool
}

// NewMicrophone creates a microphone source. The device is not opened until
// [Microphone.Start].
func NewMicrophone(cfg Config) (*Microphone, error) {
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		return nil, fmt.Errorf("capture: invalid format %+v", cfg.Format)
	}
	if _, err := sampleFormat(cfg.Format.Width); err != nil {
		return nil, err
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 100 * time.Millisecond
	}

	name := "microphone"
	if cfg.DeviceID != "" {
		name = "microphone:" + cfg.DeviceID
	}
	return &Microphone{cfg: cfg, name: name}, nil
}

// Format returns the configured capture format.
func (m *Microphone) Format() audio.Format { return m.cfg.Format }

// Name returns a stable identifier for this source.
func (m *Microphone) Name() string { return m.name }

// Start opens the device and begins delivering chunks to sink from the
// capture callback goroutine. It returns once capture is running; Stop or
// ctx cancellation ends it.
func (m *Microphone) Start(ctx context.Context, sink func(audio.Chunk)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("capture: already started")
	}

	format, err := sampleFormat(m.cfg.Format.Width)
	if err != nil {
		return err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("capture: init context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = format
	deviceConfig.Capture.Channels = uint32(m.cfg.Format.Channels)
	deviceConfig.SampleRate = uint32(m.cfg.Format.SampleRate)

	if m.cfg.DeviceID != "" {
		idBytes, err := hex.DecodeString(m.cfg.DeviceID)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return fmt.Errorf("capture: invalid device id %q: %w", m.cfg.DeviceID, err)
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	chunkBytes := int(m.cfg.ChunkDuration.Seconds() * float64(m.cfg.Format.BytesPerSecond()))
	if chunkBytes <= 0 {
		chunkBytes = m.cfg.Format.BytesPerSecond() / 10
	}
	acc := make([]byte, 0, chunkBytes)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, _ uint32) {
			acc = append(acc, data...)
			for len(acc) >= chunkBytes {
				chunk := make([]byte, chunkBytes)
				copy(chunk, acc[:chunkBytes])
				acc = acc[chunkBytes:]
				sink(audio.Chunk{Data: chunk, CapturedAt: time.Now()})
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("capture: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("capture: start device: %w", err)
	}

	m.ctx = mctx
	m.device = device
	m.running = true

	context.AfterFunc(ctx, func() { _ = m.Stop() })
	return nil
}

// Stop halts capture and releases the device. Safe to call multiple times.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	err := m.device.Stop()
	m.device.Uninit()
	m.device = nil

	_ = m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil

	if err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	return nil
}

func sampleFormat(width int) (malgo.FormatType, error) {
	switch width {
	case 1:
		return malgo.FormatU8, nil
	case 2:
		return malgo.FormatS16, nil
	case 4:
		return malgo.FormatS32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("capture: unsupported sample width %d", width)
	}
}
