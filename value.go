// value.go: value capabilities wrapping computed results
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package capcalc

import "context"

// Value is a capability on a computed number. Read is idempotent and may be
// called concurrently. Remote implementations fail only when the capability
// reference itself is broken.
type Value interface {
	Read(ctx context.Context) (float64, error)
}

// StoredValue is the server-side Value: a number fixed at creation.
type StoredValue struct {
	value float64
}

// NewValue returns a Value capability holding v.
func NewValue(v float64) *StoredValue {
	return &StoredValue{value: v}
}

// Read returns the stored number.
func (s *StoredValue) Read(ctx context.Context) (float64, error) {
	return s.value, nil
}
