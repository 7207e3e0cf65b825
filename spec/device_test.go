package spec

import (
	"context"
	"testing"
	"time"

	"github.com/beamline/gospec/internal/testutil/specserver"
)

func TestMotorDeviceReadDescribe(t *testing.T) {
	srv := motorServer(t)
	s := testSession(t, srv)

	m, err := s.Motor("th")
	if err != nil {
		t.Fatalf("Motor: %v", err)
	}
	defer m.Close()
	d := NewMotorDevice(m)

	readings, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r, ok := readings["th_position"]; !ok || r.Value != 1 {
		t.Fatalf("th_position = %+v, want value 1", r)
	}
	if r, ok := readings["th_dial_position"]; !ok || r.Value != 1.5 {
		t.Fatalf("th_dial_position = %+v, want value 1.5", r)
	}

	desc := d.Describe()
	if desc["th_position"].Source != "motor/th/position" {
		t.Fatalf("describe = %+v", desc["th_position"])
	}
	if desc["th_position"].DType != "number" {
		t.Fatalf("dtype = %q", desc["th_position"].DType)
	}
}

func TestMotorDeviceConfiguration(t *testing.T) {
	srv := motorServer(t)
	s := testSession(t, srv)

	m, err := s.Motor("th")
	if err != nil {
		t.Fatalf("Motor: %v", err)
	}
	defer m.Close()
	d := NewMotorDevice(m)

	cfg, err := d.ReadConfiguration()
	if err != nil {
		t.Fatalf("ReadConfiguration: %v", err)
	}
	for _, field := range []string{"offset", "step_size", "sign"} {
		if _, ok := cfg[field]; !ok {
			t.Fatalf("configuration missing %s: %+v", field, cfg)
		}
	}
	if cfg["step_size"].Value != 2000 {
		t.Fatalf("step_size = %v, want 2000", cfg["step_size"].Value)
	}

	offset := 0.75
	before, _, err := d.Configure(MotorConfig{Offset: &offset})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if before["offset"].Value != 0.5 {
		t.Fatalf("before offset = %v, want 0.5", before["offset"].Value)
	}
	waitFor(t, "offset write", func() bool {
		for _, rec := range srv.Sets() {
			if rec.Prop == "motor/th/offset" && rec.Value == "0.75" {
				return true
			}
		}
		return false
	})
}

func TestMotorDeviceSetPosition(t *testing.T) {
	srv := motorServer(t)
	s := testSession(t, srv)
	srv.OnFunc(func(string) specserver.FuncResult { return specserver.FuncResult{} })

	m, err := s.Motor("th")
	if err != nil {
		t.Fatalf("Motor: %v", err)
	}
	defer m.Close()
	d := NewMotorDevice(m)

	st := d.SetPosition(10)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st.Err() != nil {
		t.Fatalf("Err = %v", st.Err())
	}
}

func TestMotorDeviceTrigger(t *testing.T) {
	srv := motorServer(t)
	s := testSession(t, srv)

	m, err := s.Motor("th")
	if err != nil {
		t.Fatalf("Motor: %v", err)
	}
	defer m.Close()

	st := NewMotorDevice(m).Trigger()
	select {
	case <-st.Done():
	default:
		t.Fatal("Trigger status not immediately resolved")
	}
}

func TestCounterDeviceTrigger(t *testing.T) {
	srv := countServer(t)
	s := testSession(t, srv)
	d := NewCounterDevice(s)

	desc := d.Describe()
	if desc["sec"].Name != "Seconds" || desc["sec"].Source != "scaler/sec/value" {
		t.Fatalf("describe sec = %+v", desc["sec"])
	}

	st := d.Trigger()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	readings := d.Read()
	if readings["sec"].Value != 1 || readings["det"].Value != 1234 {
		t.Fatalf("readings = %+v", readings)
	}
	if readings["sec"].Timestamp.IsZero() {
		t.Fatal("reading has no timestamp")
	}
}

func TestCounterDeviceConfigure(t *testing.T) {
	srv := countServer(t)
	s := testSession(t, srv)
	d := NewCounterDevice(s)

	before, after := d.Configure(2.5)
	if before["duration"].Value != 1 {
		t.Fatalf("before duration = %v, want 1", before["duration"].Value)
	}
	if after["duration"].Value != 2.5 {
		t.Fatalf("after duration = %v, want 2.5", after["duration"].Value)
	}
}
