// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"github.com/cockroachdb/errors"
)

// ErrCorruption is a marker to indicate that data in a file (filter header or
// a persisted filter unit) is corrupted.
var ErrCorruption = errors.New("elasticbf: corruption")

// CorruptionErrorf formats according to a format specifier and returns the
// string as an error marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkCorruptionError marks the given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// ErrInvalidState indicates an operation that is not legal in the current
// state of its receiver, such as loading a filter unit past the last
// persisted unit or evicting from a reader with no resident units.
var ErrInvalidState = errors.New("elasticbf: invalid state")

// InvalidStateErrorf formats according to a format specifier and returns the
// string as an error marked as an invalid-state error.
func InvalidStateErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidState)
}

// ErrNotFound means that a lookup did not find the requested entry.
var ErrNotFound = errors.New("elasticbf: not found")
