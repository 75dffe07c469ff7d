package main

import "github.com/deploymenttheory/go-switchfs/cmd"

func main() {
	cmd.Execute()
}
