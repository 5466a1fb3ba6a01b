package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
)

const (
	DefaultBaudRate     = 115200
	DefaultArmThreshold = 1500

	channelMin    = 1000
	channelMid    = 1500
	channelMax    = 2000
	readTimeout   = 100 * time.Millisecond
	readChunkSize = 64
)

// ChannelMap assigns receiver channels (zero based) to stick functions
type ChannelMap struct {
	Roll     int `yaml:"roll"`
	Pitch    int `yaml:"pitch"`
	Throttle int `yaml:"throttle"`
	Yaw      int `yaml:"yaw"`
	Arm      int `yaml:"arm"`
	Mode     int `yaml:"mode"`
}

// DefaultChannelMap is the FlySky AETR layout with arm on channel 5 and the
// flight mode switch on channel 6.
var DefaultChannelMap = ChannelMap{Roll: 0, Pitch: 1, Throttle: 2, Yaw: 3, Arm: 4, Mode: 5}

// Validate checks every channel index is in range
func (m ChannelMap) Validate() error {
	for name, ch := range map[string]int{
		"roll":     m.Roll,
		"pitch":    m.Pitch,
		"throttle": m.Throttle,
		"yaw":      m.Yaw,
		"arm":      m.Arm,
		"mode":     m.Mode,
	} {
		if ch < 0 || ch >= NumChannels {
			return fmt.Errorf("%s channel %d out of range", name, ch)
		}
	}
	return nil
}

// WithLogger sets the logger for the receiver
func WithLogger(logger *slog.Logger) func(*Receiver) {
	return func(r *Receiver) {
		r.logger = logger.With(slog.String("component", "radio"))
	}
}

// WithChannelMap sets the channel assignment
func WithChannelMap(m ChannelMap) func(*Receiver) {
	return func(r *Receiver) {
		r.channels = m
	}
}

// WithArmThreshold sets the arm channel value above which the vehicle is
// considered armed by the pilot.
func WithArmThreshold(v uint16) func(*Receiver) {
	return func(r *Receiver) {
		r.armThreshold = v
	}
}

// WithClock sets the time source used to stamp frames
func WithClock(clock func() time.Time) func(*Receiver) {
	return func(r *Receiver) {
		r.clock = clock
	}
}

// Receiver reads iBus frames in its own goroutine and keeps the latest one.
// It implements peripheral.Receiver: Sample never blocks.
type Receiver struct {
	port io.ReadCloser

	channels     ChannelMap
	armThreshold uint16
	clock        func() time.Time

	mu        sync.RWMutex
	frame     Frame
	lastFrame time.Time
	frames    uint64
	errors    uint64

	isReading atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	logger *slog.Logger
}

// Open opens the serial device and creates a receiver on it
func Open(device string, baudRate int, options ...func(*Receiver)) (*Receiver, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}

	// A read timeout lets the reader notice cancellation on a silent link
	if err = port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}

	return NewReceiver(port, options...), nil
}

// NewReceiver creates a receiver reading frames from port
func NewReceiver(port io.ReadCloser, options ...func(*Receiver)) *Receiver {
	r := Receiver{
		port:         port,
		channels:     DefaultChannelMap,
		armThreshold: DefaultArmThreshold,
		clock:        time.Now,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Start begins reading frames. The returned channel receives an error if the
// port fails, and is closed when the reader exits.
func (r *Receiver) Start(ctx context.Context) (<-chan error, error) {
	if !r.isReading.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("receiver is already running")
	}

	ctx, r.cancel = context.WithCancel(ctx)
	done := make(chan error, 1)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		defer r.isReading.Store(false)

		r.logger.Info("receiver started")

		if err := r.read(ctx); err != nil {
			r.logger.Error(err.Error())
			done <- err
		}

		r.logger.Info("receiver stopped")
	}()

	return done, nil
}

// Stop cancels reading, closes the port and waits for the reader to exit
func (r *Receiver) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	err := r.port.Close()
	r.wg.Wait()

	if err != nil && !errors.Is(err, fs.ErrClosed) {
		return fmt.Errorf("closing port: %w", err)
	}
	return nil
}

func (r *Receiver) read(ctx context.Context) error {
	var dec Decoder
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := r.port.Read(buf)
		for _, b := range buf[:n] {
			r.feed(&dec, b)
		}

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, fs.ErrClosed) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("receiver port closed: %w", err)
			}
			return fmt.Errorf("reading receiver port: %w", err)
		}
	}
}

func (r *Receiver) feed(dec *Decoder, b byte) {
	frame, ok, err := dec.Feed(b)
	if err != nil {
		r.mu.Lock()
		r.errors++
		r.mu.Unlock()

		r.logger.Debug(err.Error())
		return
	}
	if !ok {
		return
	}

	now := r.clock()

	r.mu.Lock()
	r.frame = frame
	r.lastFrame = now
	r.frames++
	r.mu.Unlock()
}

// Frame returns the latest raw frame and the time it was received
func (r *Receiver) Frame() (Frame, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frame, r.lastFrame
}

// Sample returns the pilot input decoded from the latest frame
func (r *Receiver) Sample() (peripheral.StickInput, peripheral.LinkQuality, error) {
	r.mu.RLock()
	frame := r.frame
	link := peripheral.LinkQuality{
		LastFrame: r.lastFrame,
		Frames:    r.frames,
		Errors:    r.errors,
	}
	r.mu.RUnlock()

	if link.Frames == 0 {
		return peripheral.StickInput{}, link, peripheral.ErrNoSample
	}
	return r.channels.Decode(frame, r.armThreshold), link, nil
}

// Decode maps a raw frame to normalised stick input
func (m ChannelMap) Decode(f Frame, armThreshold uint16) peripheral.StickInput {
	mode := peripheral.ModeRate
	if f[m.Mode] > channelMid {
		mode = peripheral.ModeAngle
	}

	return peripheral.StickInput{
		Roll:     centred(f[m.Roll]),
		Pitch:    centred(f[m.Pitch]),
		Yaw:      centred(f[m.Yaw]),
		Throttle: ranged(f[m.Throttle]),
		Arm:      f[m.Arm] > armThreshold,
		Mode:     mode,
	}
}

// centred maps 1000..2000 to -1..1
func centred(v uint16) float64 {
	return clamp((float64(v)-channelMid)/(channelMax-channelMid), -1, 1)
}

// ranged maps 1000..2000 to 0..1
func ranged(v uint16) float64 {
	return clamp((float64(v)-channelMin)/(channelMax-channelMin), 0, 1)
}

func clamp(x, lo, hi float64) float64 {
	return max(lo, min(hi, x))
}
