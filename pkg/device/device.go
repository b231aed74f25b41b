// Copyright 2025 The LlamaFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package device probes the host for accelerators, memory, and disk space.
// The GGUF runtime uses it to size context windows and the download endpoint
// uses it to preflight artifact sizes.
package device

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Accelerator identifies the best available compute device.
type Accelerator string

const (
	AcceleratorCUDA  Accelerator = "cuda"
	AcceleratorROCm  Accelerator = "rocm"
	AcceleratorMetal Accelerator = "metal"
	AcceleratorCPU   Accelerator = "cpu"
)

// ErrInsufficientDisk is returned when a download cannot possibly fit.
var ErrInsufficientDisk = errors.New("insufficient disk space")

// DetectAccelerator probes for the best accelerator. LF_ACCELERATOR
// overrides autodetection when set to a known value.
func DetectAccelerator() Accelerator {
	if hint := strings.ToLower(os.Getenv("LF_ACCELERATOR")); hint != "" {
		switch Accelerator(hint) {
		case AcceleratorCUDA, AcceleratorROCm, AcceleratorMetal, AcceleratorCPU:
			return Accelerator(hint)
		}
	}

	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return AcceleratorMetal
	}

	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/dev/nvidia0"); err == nil {
			return AcceleratorCUDA
		}
		if _, err := os.Stat("/proc/driver/nvidia/version"); err == nil {
			return AcceleratorCUDA
		}
		if _, err := os.Stat("/dev/kfd"); err == nil {
			return AcceleratorROCm
		}
	}

	return AcceleratorCPU
}

// MemoryInfo reports host memory in bytes.
type MemoryInfo struct {
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
}

// Memory reads /proc/meminfo on linux. On other platforms, or when the
// probe fails, it returns a conservative 8 GiB total / 4 GiB available.
func Memory() MemoryInfo {
	if info, err := readMeminfo("/proc/meminfo"); err == nil {
		return info
	}
	return MemoryInfo{
		Total:     8 << 30,
		Available: 4 << 30,
	}
}

func readMeminfo(path string) (MemoryInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MemoryInfo{}, err
	}
	return parseMeminfo(string(data))
}

func parseMeminfo(content string) (MemoryInfo, error) {
	var info MemoryInfo
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		// meminfo values are in kB
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			info.Total = value * 1024
		case "MemAvailable":
			info.Available = value * 1024
		}
	}
	if info.Total == 0 {
		return info, fmt.Errorf("meminfo missing MemTotal")
	}
	if info.Available == 0 {
		info.Available = info.Total / 2
	}
	return info, nil
}

// DiskUsage reports free and total bytes for the filesystem holding path.
type DiskUsage struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
}

// DownloadCheck is the result of a disk-space preflight.
type DownloadCheck struct {
	Free    uint64  `json:"free"`
	Needed  uint64  `json:"needed"`
	Warning string  `json:"warning,omitempty"`
	FreePct float64 `json:"free_pct_after"`
}

// lowDiskThreshold is the post-download free fraction below which the
// download endpoint emits a warning event.
const lowDiskThreshold = 0.10

// CheckDownload verifies that size bytes fit on the filesystem holding
// path. It returns ErrInsufficientDisk when they cannot, and a populated
// Warning when the download would leave less than 10% free.
func CheckDownload(path string, size uint64) (DownloadCheck, error) {
	usage, err := Disk(path)
	if err != nil {
		return DownloadCheck{}, fmt.Errorf("failed to stat filesystem for %s: %w", path, err)
	}

	check := DownloadCheck{Free: usage.Free, Needed: size}
	if size > usage.Free {
		return check, fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientDisk, size, usage.Free)
	}

	if usage.Total > 0 {
		check.FreePct = float64(usage.Free-size) / float64(usage.Total)
		if check.FreePct < lowDiskThreshold {
			check.Warning = fmt.Sprintf(
				"download will leave only %.1f%% disk free", check.FreePct*100)
		}
	}
	return check, nil
}
