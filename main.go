package main

import "github.com/kebairia/repliktor/cmd"

func main() {
	cmd.Execute()
}
