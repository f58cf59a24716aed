// SPDX-FileCopyrightText: 2025 The CodeGreen Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package timing

import "golang.org/x/sys/unix"

// no raw clock outside linux; the ladder degrades to CLOCK_MONOTONIC
const rawMonotonicClockID = unix.CLOCK_MONOTONIC
