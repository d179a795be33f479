package main

import "github.com/jmcleod/ledgervault/cmd/vaultctl/cmd"

func main() {
	cmd.Execute()
}
