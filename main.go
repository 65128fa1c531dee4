package main

import "github.com/kozaktomas/face-clusterer/cmd"

func main() {
	cmd.Execute()
}
