package rapl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPowercapRoot is the canonical powercap mount point.
const DefaultPowercapRoot = "/sys/class/powercap"

const (
	energyFile   = "energy_uj"
	nameFile     = "name"
	maxRangeFile = "max_energy_range_uj"
)

// SysfsSource reads a powercap domain's energy_uj file. Unprivileged; the
// kernel reports the counter directly in microjoules, so the unit is fixed
// at 1 µJ per count.
type SysfsSource struct {
	domain     string
	energyPath string
	maxRangeUJ uint64
}

// NewSysfsSource builds a source for the powercap domain directory at dir.
// The domain identifier combines the kernel-reported name with the
// directory base name, which keeps identifiers unique when a host exposes
// several packages with identical names.
func NewSysfsSource(dir string, logger *zap.Logger) (*SysfsSource, error) {
	name, err := readTrimmed(filepath.Join(dir, nameFile))
	if err != nil || name == "" {
		name = filepath.Base(dir)
		logger.Warn("powercap domain has no readable name file, using directory name",
			zap.String("path", dir))
	}

	maxRange, err := readCounterFile(filepath.Join(dir, maxRangeFile))
	if err != nil {
		maxRange = mask32
		logger.Warn("powercap domain has no readable max range, assuming 32-bit",
			zap.String("domain", name))
	}

	s := &SysfsSource{
		domain:     fmt.Sprintf("%s:%s", name, filepath.Base(dir)),
		energyPath: filepath.Join(dir, energyFile),
		maxRangeUJ: maxRange,
	}

	// Probe once so a dead domain fails at construction, not mid-poll.
	if _, err := s.ReadRaw(); err != nil {
		return nil, err
	}
	return s, nil
}

// Domain implements Source.
func (s *SysfsSource) Domain() string { return s.domain }

// Unit implements Source. Powercap counters are already in microjoules.
func (s *SysfsSource) Unit() float64 { return 1.0 }

// MaxRangeUJ reports the kernel-advertised counter range, for diagnostics.
func (s *SysfsSource) MaxRangeUJ() uint64 { return s.maxRangeUJ }

// ReadRaw implements Source.
func (s *SysfsSource) ReadRaw() (Sample, error) {
	raw, err := readCounterFile(s.energyPath)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.energyPath, err)
	}
	return Sample{Domain: s.domain, Raw: raw & mask32, Time: time.Now()}, nil
}

// DiscoverSysfs scans the powercap tree under root and builds a source for
// every domain exposing an energy_uj file. Returns ErrSourceUnavailable
// when the root itself does not exist.
func DiscoverSysfs(root string, logger *zap.Logger) ([]Source, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("%w: powercap root %s: %v", ErrSourceUnavailable, root, err)
	}

	var sources []Source
	discoverDomains(root, &sources, logger)
	return sources, nil
}

// discoverDomains collects every domain under dir with an energy_uj file.
// Entries in /sys/class/powercap are symlinks into the device tree, so each
// candidate is resolved with Stat before inspection. Recursion descends
// only into real subdirectories: resolved class symlinks carry back-links
// (subsystem, device) that would otherwise cycle, and the class directory
// already lists every nested domain flat.
func discoverDomains(dir string, out *[]Source, logger *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Debug("skipping unreadable powercap path", zap.String("path", dir), zap.Error(err))
		return
	}
	for _, entry := range entries {
		candidate := filepath.Join(dir, entry.Name())
		info, err := os.Stat(candidate)
		if err != nil || !info.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(candidate, energyFile)); err == nil {
			src, err := NewSysfsSource(candidate, logger)
			if err != nil {
				logger.Warn("skipping powercap domain", zap.String("path", candidate), zap.Error(err))
			} else {
				*out = append(*out, src)
			}
		}
		if entry.Type()&os.ModeSymlink == 0 {
			discoverDomains(candidate, out, logger)
		}
	}
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readCounterFile(path string) (uint64, error) {
	text, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid counter value %q: %w", text, err)
	}
	return value, nil
}
