// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package timing

import "golang.org/x/sys/unix"

// CLOCK_MONOTONIC_RAW is immune to NTP slewing
const rawMonotonicClockID = unix.CLOCK_MONOTONIC_RAW
