package main

import "github.com/nikhil/eaven-sync/cmd/eaven/cmd"

func main() {
	cmd.Execute()
}
