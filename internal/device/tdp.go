// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/jszwec/csvutil"
	"github.com/prometheus/procfs"
)

//go:embed tdp.csv
var tdpCSV []byte

type tdpEntry struct {
	Model string  `csv:"model"`
	Watts float64 `csv:"tdp_watts"`
}

var (
	tdpOnce    sync.Once
	tdpEntries []tdpEntry
	tdpErr     error
)

func tdpTable() ([]tdpEntry, error) {
	tdpOnce.Do(func() {
		tdpErr = csvutil.Unmarshal(tdpCSV, &tdpEntries)
	})
	return tdpEntries, tdpErr
}

// LookupTDP returns the rated thermal design power for a CPU model name.
// The table keys are substrings; the longest one contained in the model
// string wins, so "xeon gold 6348" beats "xeon gold". The second return is
// false when the model is not in the table.
func LookupTDP(modelName string) (Power, bool) {
	entries, err := tdpTable()
	if err != nil {
		return 0, false
	}
	model := strings.ToLower(modelName)
	var (
		best    Power
		bestLen int
		found   bool
	)
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSpace(e.Model))
		if key == "" || !strings.Contains(model, key) {
			continue
		}
		if len(key) > bestLen {
			best = Power(e.Watts) * Watt
			bestLen = len(key)
			found = true
		}
	}
	return best, found
}

// SanityCeiling turns a per-socket rated TDP into the implausibility
// threshold for a single domain reading. The headroom factor absorbs turbo
// excursions above TDP; a non-positive input disables the ceiling.
func SanityCeiling(tdp Power, sockets int, headroom float64) Power {
	if tdp <= 0 || sockets < 1 {
		return 0
	}
	if headroom <= 0 {
		headroom = 1
	}
	return Power(float64(tdp) * float64(sockets) * headroom)
}

// CPUModelName reads the CPU model string from proc cpuinfo.
func CPUModelName(procPath string) (string, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return "", fmt.Errorf("procfs at %s: %w", procPath, err)
	}
	infos, err := fs.CPUInfo()
	if err != nil {
		return "", fmt.Errorf("reading cpuinfo: %w", err)
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("cpuinfo lists no processors")
	}
	return infos[0].ModelName, nil
}
