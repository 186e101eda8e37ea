package main

import "github.com/fyerfyer/connkeeper/cmd/poolctl/cmd"

func main() {
	cmd.Execute()
}
