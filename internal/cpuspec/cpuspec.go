// Package cpuspec inspects the host CPU to pick an interpreter thread count
// and to report which SIMD paths the inference backend can use.
package cpuspec

import (
	"regexp"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// maxUsefulThreads caps the recommendation; YAMNet-sized graphs stop scaling
// well past this on both Kunpeng and x86 parts.
const maxUsefulThreads = 8

// CPUSpec contains information about CPU specifications
type CPUSpec struct {
	BrandName        string
	Vendor           string
	Arch             string
	PhysicalCores    int
	LogicalCores     int
	PerformanceCores int
	SIMD             []string
}

// GetCPUSpec reads the running CPU through cpuid.
func GetCPUSpec() CPUSpec {
	return newCPUSpec(cpuid.CPU.BrandName, cpuid.CPU.VendorString, runtime.GOARCH,
		cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, simdFeatures())
}

func newCPUSpec(brand, vendor, arch string, physical, logical int, simd []string) CPUSpec {
	return CPUSpec{
		BrandName:        brand,
		Vendor:           vendor,
		Arch:             arch,
		PhysicalCores:    physical,
		LogicalCores:     logical,
		PerformanceCores: determinePerformanceCores(brand),
		SIMD:             simd,
	}
}

func simdFeatures() []string {
	var out []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.ASIMD, "asimd"},
		{cpuid.ASIMDDP, "asimddp"},
		{cpuid.SVE, "sve"},
		{cpuid.SSE4, "sse4.1"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
	} {
		if cpuid.CPU.Supports(f.id) {
			out = append(out, f.name)
		}
	}
	return out
}

// IsKunpeng reports whether the CPU is a HiSilicon Kunpeng part.
func (c CPUSpec) IsKunpeng() bool {
	brand := strings.ToLower(c.BrandName)
	return strings.Contains(brand, "kunpeng") || strings.Contains(strings.ToLower(c.Vendor), "hisilicon")
}

// GetOptimalThreadCount recommends an interpreter thread count: performance
// cores on hybrid parts, otherwise physical cores, never more than the CPUs
// the process may run on.
func (c CPUSpec) GetOptimalThreadCount() int {
	return c.optimalThreads(runtime.NumCPU())
}

func (c CPUSpec) optimalThreads(available int) int {
	threads := c.PerformanceCores
	if threads <= 0 {
		threads = c.PhysicalCores
	}
	if threads <= 0 {
		threads = c.LogicalCores
	}
	if threads <= 0 || threads > available {
		threads = available
	}
	return max(1, min(threads, maxUsefulThreads))
}

var (
	intelCoreRegex  = regexp.MustCompile(`intel.*core.*i[3579]-(1[234])(\d)00`)
	intelUltraRegex = regexp.MustCompile(`intel.*core.*ultra\s+([579])\s+(?:processor\s+)?(\d{3})`)
	appleRegex      = regexp.MustCompile(`apple\s+(m[1-4](?:\s+(?:pro|max|ultra))?)`)
)

// determinePerformanceCores maps hybrid CPUs to their P-core count. Zero means
// the part is homogeneous or unknown.
func determinePerformanceCores(brandName string) int {
	brandName = strings.ToLower(brandName)

	if m := intelCoreRegex.FindStringSubmatch(brandName); m != nil {
		// 12th-14th gen: i9/i7 have 8 P-cores, i5 6, i3 4
		switch m[2] {
		case "9", "7":
			return 8
		case "6", "5", "4":
			return 6
		case "1":
			return 4
		}
	}

	if m := intelUltraRegex.FindStringSubmatch(brandName); m != nil {
		switch m[1] {
		case "9", "7":
			return 8
		case "5":
			if m[2] == "225" {
				return 4
			}
			return 6
		}
	}

	if m := appleRegex.FindStringSubmatch(brandName); m != nil {
		switch m[1] {
		case "m1", "m2", "m3":
			return 4
		case "m4":
			return 6
		case "m1 pro", "m1 max", "m2 pro", "m3 pro", "m4 pro":
			return 8
		case "m2 max", "m3 max", "m4 max":
			return 12
		case "m1 ultra":
			return 16
		case "m2 ultra", "m3 ultra":
			return 24
		}
	}

	return 0
}
