package main

import "github.com/ideamans/idgate/cmd/idgate/cmd"

func main() {
	cmd.Execute()
}
