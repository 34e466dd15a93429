package main

import "github.com/aweris/wsync/cmd/wsync/cmd"

func main() {
	cmd.Execute()
}
