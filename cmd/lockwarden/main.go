package main

import "github.com/BrandonDHaskell/lockwarden/cmd/lockwarden/cmd"

func main() {
	cmd.Execute()
}
