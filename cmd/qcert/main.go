// Command qcert lists and edits certificate stores and serves them to other
// hosts.
package main

import "os"

var version = "dev"

func main() {
	if err := Execute(version); err != nil {
		os.Exit(1)
	}
}
