package sources

import (
	"context"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
)

const defaultBufferSeconds = 2

// DeviceSource captures S16 mono audio from a miniaudio device. The driver
// callback only copies into a byte ring; ReadBlock pulls from it.
type DeviceSource struct {
	name       string
	sampleRate int
	ring       *pcmRing

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	closed bool
}

// DeviceInfo describes a capture device.
type DeviceInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	ID        string `json:"id"`
	IsDefault bool   `json:"default"`
}

func platformBackend() (malgo.Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, errors.New(nil).
			Component(componentSources).
			Category(errors.CategoryAudioSource).
			Context("error", "unsupported operating system").
			Context("os", runtime.GOOS).
			Build()
	}
}

func initContext() (*malgo.AllocatedContext, error) {
	backend, err := platformBackend()
	if err != nil {
		return nil, err
	}
	mctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, func(message string) {
		GetLogger().Debug("miniaudio", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, errors.New(err).
			Component(componentSources).
			Category(errors.CategoryAudioSource).
			Context("operation", "init_context").
			Context("os", runtime.GOOS).
			Build()
	}
	return mctx, nil
}

// EnumerateDevices lists capture devices in driver order. Index is the value
// accepted by audio.device.
func EnumerateDevices() ([]DeviceInfo, error) {
	mctx, err := initContext()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.New(err).
			Component(componentSources).
			Category(errors.CategoryAudioSource).
			Context("operation", "enumerate_devices").
			Build()
	}
	return describeDevices(infos), nil
}

func describeDevices(infos []malgo.DeviceInfo) []DeviceInfo {
	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		// the null backend's sink is not a microphone
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		id, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			id = infos[i].ID.String()
		}
		devices = append(devices, DeviceInfo{
			Index:     i,
			Name:      infos[i].Name(),
			ID:        id,
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return devices
}

func hexToASCII(hexStr string) (string, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00"), nil
}

// OpenDevice starts capture on the device at index, or the system default
// for DefaultDevice.
func OpenDevice(index, sampleRate, bufferSeconds int) (*DeviceSource, error) {
	if bufferSeconds <= 0 {
		bufferSeconds = defaultBufferSeconds
	}

	mctx, err := initContext()
	if err != nil {
		return nil, err
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	name := "default"
	if index != DefaultDevice {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			release()
			return nil, errors.New(err).
				Component(componentSources).
				Category(errors.CategoryAudioSource).
				Context("operation", "enumerate_devices").
				Build()
		}
		if index < 0 || index >= len(infos) {
			release()
			return nil, errors.Newf("capture device index %d out of range", index).
				Component(componentSources).
				Category(errors.CategoryAudioSource).
				Context("available_devices", len(infos)).
				Build()
		}
		cfg.Capture.DeviceID = infos[index].ID.Pointer()
		name = infos[index].Name()
	}

	ds := &DeviceSource{
		name:       name,
		sampleRate: sampleRate,
		ring:       newPCMRing(sampleRate * bytesPerSample * bufferSeconds),
		mctx:       mctx,
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			ds.ring.write(input)
		},
	}
	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		release()
		return nil, errors.New(err).
			Component(componentSources).
			Category(errors.CategoryAudioSource).
			Context("operation", "init_device").
			Context("device", name).
			Build()
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		release()
		return nil, errors.New(err).
			Component(componentSources).
			Category(errors.CategoryAudioSource).
			Context("operation", "start_device").
			Context("device", name).
			Build()
	}
	ds.device = device

	GetLogger().Info("capture started",
		logger.String("device", name),
		logger.Int("sample_rate", sampleRate),
		logger.Int("buffer_seconds", bufferSeconds))
	return ds, nil
}

// ReadBlock waits until n samples are captured.
func (ds *DeviceSource) ReadBlock(ctx context.Context, n int) ([]float32, error) {
	if n <= 0 {
		return nil, errors.Newf("invalid block size %d", n).
			Component(componentSources).
			Category(errors.CategoryValidation).
			Build()
	}
	return ds.ring.read(ctx, n)
}

// SampleRate returns the capture rate.
func (ds *DeviceSource) SampleRate() int { return ds.sampleRate }

// Name returns the device name.
func (ds *DeviceSource) Name() string { return fmt.Sprintf("device:%s", ds.name) }

// Overflow returns how many samples the callback dropped because the reader
// fell behind.
func (ds *DeviceSource) Overflow() uint64 { return ds.ring.overflowSamples() }

// Close stops the device and releases the context. It is idempotent.
func (ds *DeviceSource) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return nil
	}
	ds.closed = true
	ds.ring.close()

	var err error
	if ds.device != nil {
		err = ds.device.Stop()
		ds.device.Uninit()
	}
	if ds.mctx != nil {
		if uerr := ds.mctx.Uninit(); uerr != nil && err == nil {
			err = uerr
		}
		ds.mctx.Free()
	}
	if dropped := ds.ring.overflowSamples(); dropped > 0 {
		GetLogger().Warn("capture overflow", logger.Uint64("dropped_samples", dropped))
	}
	if err != nil {
		return errors.New(err).
			Component(componentSources).
			Category(errors.CategoryAudioSource).
			Context("operation", "close_device").
			Build()
	}
	return nil
}
