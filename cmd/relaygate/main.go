// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
