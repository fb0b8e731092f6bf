package main

import "github.com/jmehdipour/servicing-events/cmd"

func main() {
	cmd.Execute()
}
