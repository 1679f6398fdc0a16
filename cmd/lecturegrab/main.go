package main

import "github.com/example/lecturegrab/cmd"

func main() {
	cmd.Execute()
}
