// rootwatch detects the privilege level of a device and escalates it
// through an adaptive, audited sequence of strategies.
package main

import "github.com/ppiankov/rootwatch/internal/cli"

func main() {
	cli.Execute()
}
