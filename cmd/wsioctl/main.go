// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command wsioctl drives a single WebSocket endpoint through an
// ioservice.IOService tick loop and prints every frame it receives, as a
// minimal worked example of wiring tcpstream, tlsstream, ws, and ioservice
// together.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
