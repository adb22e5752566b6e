// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package tcpstream

import "fmt"

// bindToInterface has no portable equivalent of SO_BINDTODEVICE outside
// Linux in this module; platforms that need IP_BOUND_IF (Darwin/BSD) or an
// index-based bind are expected to add a build-tagged variant here.
func bindToInterface(_ int, name string) error {
	return fmt.Errorf("source interface binding is not supported on this platform (requested %q)", name)
}
