// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package id

import "github.com/google/uuid"

// ShortLen is the number of leading characters used for short ids.
// Collisions across a handful of live sessions are treated as negligible;
// short-id lookup is best effort and never authoritative.
const ShortLen = 8

// Generator produces opaque unique identifiers. Injected so tests can
// supply deterministic ids.
type Generator func() string

// New returns a random hex identifier without dashes.
func New() string {
	u := uuid.New()
	dst := make([]byte, 32)
	const hextable = "0123456789abcdef"
	for i, b := range u {
		dst[i*2] = hextable[b>>4]
		dst[i*2+1] = hextable[b&0x0f]
	}
	return string(dst)
}

// Short derives the short form of an id.
func Short(id string) string {
	if len(id) <= ShortLen {
		return id
	}
	return id[:ShortLen]
}
