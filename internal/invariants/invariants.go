// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package invariants

import "fmt"

// Assertf panics with the given message if the condition is false and
// invariants are enabled. It is a no-op in production builds.
func Assertf(condition bool, format string, args ...interface{}) {
	if Enabled && !condition {
		panic(fmt.Sprintf(format, args...))
	}
}
