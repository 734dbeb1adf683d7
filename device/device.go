// Package device reports the host's compute capabilities and picks the
// tensor placement used for training.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"github.com/tsawler/go-cyclegan/tensor"
)

// ErrUnsupportedDevice is returned for device names the host cannot serve
var ErrUnsupportedDevice = errors.New("unsupported device")

// Info describes the host CPU
type Info struct {
	Vendor   string
	Brand    string
	Arch     string
	Cores    int
	Threads  int
	SIMD     bool // vector units usable for float32 math
	Features []string
}

// Detect reads CPU information via cpuid
func Detect() Info {
	return Info{
		Vendor:   cpuid.CPU.VendorString,
		Brand:    cpuid.CPU.BrandName,
		Arch:     runtime.GOARCH,
		Cores:    cpuid.CPU.PhysicalCores,
		Threads:  cpuid.CPU.LogicalCores,
		SIMD:     hasSIMD(),
		Features: cpuid.CPU.FeatureSet(),
	}
}

func hasSIMD() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3)
	case "arm64":
		return cpuid.CPU.Supports(cpuid.ASIMD)
	}
	return false
}

// String formats the information for humans
func (i Info) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CPU: %s (%s, %s)\n", i.Brand, i.Vendor, i.Arch)
	fmt.Fprintf(&sb, "Cores: %d physical, %d logical\n", i.Cores, i.Threads)
	fmt.Fprintf(&sb, "SIMD: %t\n", i.SIMD)
	if len(i.Features) > 0 {
		fmt.Fprintf(&sb, "Features: %s\n", strings.Join(i.Features, " "))
	}
	return sb.String()
}

// Workers caps a requested goroutine count at the host's logical threads.
// An unknown thread count falls back to runtime.NumCPU.
func (i Info) Workers(requested int) int {
	limit := i.Threads
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	if requested <= 0 || requested > limit {
		requested = limit
	}
	return requested
}

// Select maps a configured device name to a tensor device. "auto" prefers
// SIMD when the CPU has it. "cuda" is accepted for compatibility with older
// configurations and falls back like "auto".
//
// The result is a placement tag carried by tensors and reported in logs and
// the journal. Every placement runs the same float32 kernels.
func Select(name string, info Info) (tensor.DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "cuda":
		if info.SIMD {
			return tensor.SIMD, nil
		}
		return tensor.CPU, nil
	case "cpu":
		return tensor.CPU, nil
	case "simd":
		if !info.SIMD {
			return tensor.CPU, errors.Wrapf(ErrUnsupportedDevice, "simd requested but %s lacks vector support", info.Arch)
		}
		return tensor.SIMD, nil
	default:
		return tensor.CPU, errors.Wrapf(ErrUnsupportedDevice, "%q", name)
	}
}
