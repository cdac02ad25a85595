package main

import forge "github.com/mlinfra-dev/forge"

func main() {
	forge.Run()
}
