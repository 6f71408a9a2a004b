// Command dronectl is the operator CLI for the node cluster backend.
package main

import "dronemesh/cmd/dronectl/cmd"

func main() {
	cmd.Execute()
}
