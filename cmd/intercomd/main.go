// Command intercomd runs a full-duplex voice intercom.
//
// Usage:
//
//	intercomd [flags] <command> [args]
//
// Commands:
//
//	serve    - run the intercom engine and its control API
//	call     - dial a device and stream local audio to it
//	peer     - act as the bridge side of a device, answering its calls
//	version  - print build information
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
