package radio

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/roman-kulish/flight-supervisor/internal/peripheral"
)

func testFrame() Frame {
	var f Frame
	for i := range f {
		f[i] = 1500
	}
	f[DefaultChannelMap.Throttle] = 1000
	f[DefaultChannelMap.Arm] = 1000
	return f
}

func decodeAll(d *Decoder, data []byte) (frames []Frame, errs []error) {
	for _, b := range data {
		f, ok, err := d.Feed(b)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			frames = append(frames, f)
		}
	}
	return
}

func TestDecoder_RoundTrip(t *testing.T) {
	want := testFrame()
	want[0] = 1234
	want[13] = 1999

	var d Decoder
	frames, errs := decodeAll(&d, Encode(want))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(frames) != 1 || frames[0] != want {
		t.Fatalf("expected %v, got %v", want, frames)
	}
}

func TestDecoder_KnownFrame(t *testing.T) {
	// FS-iA6B layout: sticks centred, throttle and arm low
	data := []byte{
		0x20, 0x40,
		0xDC, 0x05, 0xDC, 0x05, 0xE8, 0x03, 0xDC, 0x05, 0xE8, 0x03, 0xE8, 0x03, 0xDC, 0x05,
		0xDC, 0x05, 0xDC, 0x05, 0xDC, 0x05, 0xDC, 0x05, 0xDC, 0x05, 0xDC, 0x05, 0xDC, 0x05,
	}
	sum := checksum(data)
	data = append(data, byte(sum), byte(sum>>8))

	var d Decoder
	frames, _ := decodeAll(&d, data)
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	if frames[0][0] != 1500 || frames[0][2] != 1000 {
		t.Errorf("unexpected channel values: %v", frames[0])
	}
}

func TestDecoder_Checksum(t *testing.T) {
	data := Encode(testFrame())
	data[10] ^= 0xFF

	var d Decoder
	frames, errs := decodeAll(&d, data)
	if len(frames) != 0 {
		t.Errorf("expected corrupted frame to be dropped, got %v", frames)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrChecksum) {
		t.Errorf("expected ErrChecksum, got %v", errs)
	}
}

func TestDecoder_Resync(t *testing.T) {
	var data []byte
	data = append(data, 0x00, 0x20, 0x20, 0x13) // noise, including a false header
	data = append(data, Encode(testFrame())...)
	data = append(data, Encode(testFrame())[:17]...) // truncated frame
	data = append(data, Encode(testFrame())...)

	var d Decoder
	frames, _ := decodeAll(&d, data)

	// The truncated frame swallows part of the next one, which fails its
	// checksum; the decoder must recover afterwards.
	if len(frames) < 1 {
		t.Fatalf("expected at least one frame, got %d", len(frames))
	}
	if frames[0] != testFrame() {
		t.Errorf("unexpected frame: %v", frames[0])
	}

	d.Reset()
	frames, errs := decodeAll(&d, Encode(testFrame()))
	if len(frames) != 1 || len(errs) != 0 {
		t.Errorf("expected a clean frame after reset, got %d frames and %v", len(frames), errs)
	}
}

func TestChannelMap_Decode(t *testing.T) {
	f := testFrame()
	f[DefaultChannelMap.Roll] = 2000
	f[DefaultChannelMap.Pitch] = 1250
	f[DefaultChannelMap.Yaw] = 900 // out of range, clamped
	f[DefaultChannelMap.Throttle] = 1600
	f[DefaultChannelMap.Arm] = 1900
	f[DefaultChannelMap.Mode] = 2000

	in := DefaultChannelMap.Decode(f, DefaultArmThreshold)

	checks := []struct {
		name      string
		got, want float64
	}{
		{"roll", in.Roll, 1},
		{"pitch", in.Pitch, -0.5},
		{"yaw", in.Yaw, -1},
		{"throttle", in.Throttle, 0.6},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s: expected %f, got %f", c.name, c.want, c.got)
		}
	}
	if !in.Arm {
		t.Error("expected arm switch engaged")
	}
	if in.Mode != peripheral.ModeAngle {
		t.Errorf("expected angle mode, got %s", in.Mode)
	}

	if err := (ChannelMap{Roll: 14}).Validate(); err == nil {
		t.Error("expected out of range channel to be rejected")
	}
	if err := DefaultChannelMap.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReceiver_Sample(t *testing.T) {
	pr, pw := io.Pipe()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewReceiver(pr, WithClock(func() time.Time { return now }), WithArmThreshold(1700))

	if _, _, err := r.Sample(); !errors.Is(err, peripheral.ErrNoSample) {
		t.Fatalf("expected ErrNoSample before the first frame, got %v", err)
	}

	done, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f := testFrame()
	f[DefaultChannelMap.Arm] = 1600 // below the custom threshold
	f[DefaultChannelMap.Throttle] = 1100

	bad := Encode(f)
	bad[5] ^= 0x01

	go func() {
		_, _ = pw.Write(bad)
		_, _ = pw.Write(Encode(f))
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if _, link, err := r.Sample(); err == nil && link.Frames == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame received")
		}
		time.Sleep(time.Millisecond)
	}

	in, link, err := r.Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if in.Arm {
		t.Error("expected arm switch below threshold to read as disarmed")
	}
	if math.Abs(in.Throttle-0.1) > 1e-9 {
		t.Errorf("expected throttle 0.1, got %f", in.Throttle)
	}
	if !link.LastFrame.Equal(now) || link.Errors != 1 {
		t.Errorf("unexpected link quality: %+v", link)
	}

	raw, at := r.Frame()
	if raw != f || !at.Equal(now) {
		t.Errorf("unexpected raw frame: %v at %v", raw, at)
	}

	if err = r.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
	if err, ok := <-done; ok && err != nil {
		t.Errorf("expected clean stop, got %v", err)
	}
}

func TestReceiver_PortFailure(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewReceiver(pr)

	done, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_ = pw.CloseWithError(errors.New("device unplugged"))

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected a port error")
		}
	case <-time.After(time.Second):
		t.Fatal("reader did not exit")
	}
	_ = r.Stop()
}
