// Package audio captures microphone input and produces fixed-format PCM16
// frames on a wall-clock interval, decoupling network-send cadence from
// hardware buffer size.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// FrameFunc receives one flushed PCM16 frame. Ownership of the slice
// transfers to the callee.
type FrameFunc func(pcm []byte)

// CaptureConfig configures one capture pipeline.
type CaptureConfig struct {
	// TargetRate is the fixed output sample rate.
	TargetRate int
	// FlushInterval is the wall-clock frame cadence: 100ms for the
	// low-latency path, up to 5s for the chunked fallback.
	FlushInterval time.Duration
}

// nativeRate is the rate requested from the hardware; the pipeline
// downsamples from it to the configured target rate.
const nativeRate = 48000

// Manager owns the single active-recorder slot. The microphone is held by at
// most one pipeline at a time: starting a new capture first fully stops any
// existing one.
type Manager struct {
	logger *zap.Logger

	mu     sync.Mutex
	active *Capture
}

// NewManager creates the recorder slot.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Start acquires the microphone and begins producing frames. Any previously
// active pipeline is stopped and released before the device is reacquired.
func (m *Manager) Start(cfg CaptureConfig, onFrame FrameFunc) (*Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.active.stop()
		m.active = nil
	}

	c, err := newCapture(cfg, onFrame, m.logger)
	if err != nil {
		return nil, err
	}
	c.release = func() {
		m.mu.Lock()
		if m.active == c {
			m.active = nil
		}
		m.mu.Unlock()
	}
	m.active = c
	return c, nil
}

// Active reports whether a pipeline currently holds the device.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Capture is one live microphone pipeline: device callback → resampler →
// timed frame flusher.
type Capture struct {
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	pipeline *Pipeline
	logger   *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
	release  func()
}

func newCapture(cfg CaptureConfig, onFrame FrameFunc, logger *zap.Logger) (*Capture, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio context init: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(nativeRate)
	deviceConfig.Alsa.NoMMap = 1

	c := &Capture{
		ctx:      mctx,
		logger:   logger,
		pipeline: NewPipeline(nativeRate, cfg.TargetRate),
		done:     make(chan struct{}),
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			// Runs on the audio thread: decode floats and hand off, nothing
			// blocking.
			if frameCount == 0 {
				return
			}
			samples := make([]float32, frameCount)
			for i := range samples {
				bits := binary.LittleEndian.Uint32(input[i*4:])
				samples[i] = math.Float32frombits(bits)
			}
			c.pipeline.PushFloats(samples)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("capture device init: %w", err)
	}
	c.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("capture start: %w", err)
	}

	logger.Info("microphone acquired",
		zap.Int("nativeRate", nativeRate),
		zap.Int("targetRate", cfg.TargetRate),
		zap.Duration("flushInterval", cfg.FlushInterval))

	go c.flushLoop(cfg.FlushInterval, onFrame)
	return c, nil
}

// flushLoop emits one frame per interval. An interval with no accumulated
// samples emits nothing.
func (c *Capture) flushLoop(interval time.Duration, onFrame FrameFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			// Final drain so trailing speech is not lost on stop.
			if pcm := c.pipeline.Flush(); pcm != nil {
				onFrame(pcm)
			}
			return
		case <-ticker.C:
			if pcm := c.pipeline.Flush(); pcm != nil {
				onFrame(pcm)
			}
		}
	}
}

// Stop releases the microphone synchronously and frees the device slot.
func (c *Capture) Stop() {
	c.stop()
	if c.release != nil {
		c.release()
	}
}

func (c *Capture) stop() {
	c.stopOnce.Do(func() {
		c.device.Uninit()
		c.ctx.Uninit()
		c.ctx.Free()
		close(c.done)
		c.logger.Info("microphone released")
	})
}
