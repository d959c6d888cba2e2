package rapl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// onlineCPUsPath lists the online CPU indices in the kernel's range syntax.
const onlineCPUsPath = "/sys/devices/system/cpu/online"

// MSRSource reads the package energy counter from a per-CPU MSR device.
// The power-unit register is read once at construction to derive the
// microjoule scale factor; only the energy-status counter is read per poll.
type MSRSource struct {
	cpu    int
	domain string
	file   *os.File
	unitUJ float64
}

// NewMSRSource opens /dev/cpu/<cpu>/msr for the given CPU index.
func NewMSRSource(cpu int) (*MSRSource, error) {
	return NewMSRSourceAt(cpu, fmt.Sprintf("/dev/cpu/%d/msr", cpu))
}

// NewMSRSourceAt opens an explicit device path. Split out from NewMSRSource
// so tests can point at a plain file with register values at MSR offsets.
func NewMSRSourceAt(cpu int, devPath string) (*MSRSource, error) {
	f, err := os.Open(devPath)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %s (is the msr kernel module loaded?)", ErrDeviceUnavailable, devPath)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%w: %s (requires root or CAP_SYS_RAWIO)", ErrPermissionDenied, devPath)
		default:
			return nil, fmt.Errorf("open msr device %s: %w", devPath, err)
		}
	}

	unitsRaw, err := readMSR(f, MSRPowerUnit)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read power unit register on cpu %d: %w", cpu, err)
	}

	return &MSRSource{
		cpu:    cpu,
		domain: fmt.Sprintf("package-%d:msr", cpu),
		file:   f,
		unitUJ: EnergyUnitMicrojoules(unitsRaw),
	}, nil
}

// Domain implements Source.
func (s *MSRSource) Domain() string { return s.domain }

// Unit implements Source.
func (s *MSRSource) Unit() float64 { return s.unitUJ }

// ReadRaw implements Source. The energy-status register is wider than its
// useful range on some parts; only the low 32 bits carry the counter.
func (s *MSRSource) ReadRaw() (Sample, error) {
	raw, err := readMSR(s.file, MSRPkgEnergyStatus)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: energy status on cpu %d: %v", ErrDeviceUnavailable, s.cpu, err)
	}
	return Sample{Domain: s.domain, Raw: raw & mask32, Time: time.Now()}, nil
}

// Close releases the device handle.
func (s *MSRSource) Close() error {
	return s.file.Close()
}

// EnergyUnitMicrojoules derives the microjoules-per-count scale factor from
// a raw power-unit register word. Bits 8-12 hold the energy status unit as
// a power-of-two divisor of one joule.
func EnergyUnitMicrojoules(unitsRaw uint64) float64 {
	exp := (unitsRaw >> 8) & 0x1F
	return 1_000_000.0 / float64(uint64(1)<<exp)
}

func readMSR(f *os.File, register int64) (uint64, error) {
	var buf [8]byte
	n, err := f.ReadAt(buf[:], register)
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("short read: %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// OnlineCPUs returns the host's online CPU indices, falling back to CPU 0
// when the kernel does not expose the list.
func OnlineCPUs() ([]int, error) {
	text, err := readTrimmed(onlineCPUsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []int{0}, nil
		}
		return nil, fmt.Errorf("read online cpu list: %w", err)
	}
	return ParseCPUList(text)
}

// ParseCPUList parses the kernel's CPU range syntax ("0-3,8,10-11") into a
// sorted, de-duplicated index slice.
func ParseCPUList(text string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu range %q: %w", part, err)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu range %q: %w", part, err)
			}
			if end < start {
				return nil, fmt.Errorf("invalid cpu range %q: end before start", part)
			}
			for i := start; i <= end; i++ {
				seen[i] = struct{}{}
			}
			continue
		}
		idx, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu index %q: %w", part, err)
		}
		seen[idx] = struct{}{}
	}

	if len(seen) == 0 {
		return []int{0}, nil
	}
	cpus := make([]int, 0, len(seen))
	for idx := range seen {
		cpus = append(cpus, idx)
	}
	sort.Ints(cpus)
	return cpus, nil
}
