// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package protoo

// sanity check the tunables
func init() {
	if RequestTimeoutBase <= 0 {
		panic("RequestTimeoutBase <= 0")
	}
	if DefaultPingInterval <= 0 {
		panic("DefaultPingInterval <= 0")
	}
	if DefaultPingTimeout <= 0 {
		panic("DefaultPingTimeout <= 0")
	}
	if CloseNormal == CloseReconnect {
		panic("CloseNormal == CloseReconnect")
	}
}
