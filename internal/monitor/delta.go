// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import "github.com/galvani-project/galvani/internal/device"

// wrapDelta is the energy consumed between two readings of a counter that
// wraps at modulus m. A reading below its predecessor means the counter
// wrapped once in between; without a known modulus that delta is
// unrecoverable and reported as zero. A predecessor beyond the advertised
// modulus means the modulus itself is wrong, which is equally
// unrecoverable.
func wrapDelta(prev, cur, m device.Energy) device.Energy {
	if cur >= prev {
		return cur - prev
	}
	if m == 0 || prev > m {
		return 0
	}
	return (m - prev) + cur
}
