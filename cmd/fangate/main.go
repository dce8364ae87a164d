package main

import "github.com/fangate/fangate/cmd/fangate/cmd"

func main() {
	cmd.Execute()
}
