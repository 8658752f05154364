// udplink -- client and self-test CLI for the udplink connection layer.
package main

import "github.com/dantte-lp/udplink/cmd/udplink/commands"

func main() {
	commands.Execute()
}
