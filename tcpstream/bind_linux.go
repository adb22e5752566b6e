// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package tcpstream

import "golang.org/x/sys/unix"

// bindToInterface implements SO_BINDTODEVICE, the Linux mechanism for
// restricting a socket to a single source interface.
func bindToInterface(fd int, name string) error {
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, name)
}
