// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package protoo

func init() {
	// the race detector multiplies the cost of every channel and mutex
	// operation; running the full stress volume won't improve testing,
	// it just slows the suite down and risks hitting goroutine limits.
	stressRequestCount = 50
}
