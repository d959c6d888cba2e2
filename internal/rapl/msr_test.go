package rapl_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/scrrlt/carbon-ops/internal/rapl"
)

// writeFakeMSR builds a flat file with register words at MSR offsets, which
// NewMSRSourceAt can read via positional reads exactly like the real device.
func writeFakeMSR(t *testing.T, powerUnit, energyStatus uint64) string {
	t.Helper()
	buf := make([]byte, rapl.MSRPkgEnergyStatus+8)
	binary.LittleEndian.PutUint64(buf[rapl.MSRPowerUnit:], powerUnit)
	binary.LittleEndian.PutUint64(buf[rapl.MSRPkgEnergyStatus:], energyStatus)

	path := filepath.Join(t.TempDir(), "msr")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnergyUnitMicrojoules(t *testing.T) {
	tests := []struct {
		name     string
		unitsRaw uint64
		want     float64
	}{
		// Common Intel default: energy unit exponent 14 -> 1/16384 J.
		{"exponent 14", 14 << 8, 1_000_000.0 / 16384.0},
		{"exponent 0", 0, 1_000_000.0},
		{"exponent 5", 5 << 8, 31250.0},
		// Bits outside 8-12 must not influence the unit.
		{"noise outside field", (14 << 8) | 0xF00000FF, 1_000_000.0 / 16384.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rapl.EnergyUnitMicrojoules(tt.unitsRaw); got != tt.want {
				t.Errorf("EnergyUnitMicrojoules(%#x) = %v, want %v", tt.unitsRaw, got, tt.want)
			}
		})
	}
}

func TestMSRSource_readsCounter(t *testing.T) {
	path := writeFakeMSR(t, 14<<8, 0xdeadbeef)

	src, err := rapl.NewMSRSourceAt(3, path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if src.Domain() != "package-3:msr" {
		t.Errorf("domain: got %q", src.Domain())
	}
	if want := 1_000_000.0 / 16384.0; src.Unit() != want {
		t.Errorf("unit: got %v, want %v", src.Unit(), want)
	}

	sample, err := src.ReadRaw()
	if err != nil {
		t.Fatal(err)
	}
	if sample.Raw != 0xdeadbeef {
		t.Errorf("raw: got %#x, want 0xdeadbeef", sample.Raw)
	}
}

func TestMSRSource_masksHighBits(t *testing.T) {
	path := writeFakeMSR(t, 14<<8, 0xabcd_0000_0005)

	src, err := rapl.NewMSRSourceAt(0, path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	sample, err := src.ReadRaw()
	if err != nil {
		t.Fatal(err)
	}
	if sample.Raw != 5 {
		t.Errorf("raw: got %#x, want 5 (low 32 bits only)", sample.Raw)
	}
}

func TestNewMSRSourceAt_missingDevice(t *testing.T) {
	_, err := rapl.NewMSRSourceAt(0, filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, rapl.ErrDeviceUnavailable) {
		t.Errorf("got %v, want ErrDeviceUnavailable", err)
	}
}

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		text    string
		want    []int
		wantErr bool
	}{
		{text: "0", want: []int{0}},
		{text: "0-3", want: []int{0, 1, 2, 3}},
		{text: "0-1,4,6-7", want: []int{0, 1, 4, 6, 7}},
		{text: "4,0-1,1", want: []int{0, 1, 4}},
		{text: "", want: []int{0}},
		{text: "2-1", wantErr: true},
		{text: "a-b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := rapl.ParseCPUList(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseCPUList(%q): expected error", tt.text)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCPUList(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
