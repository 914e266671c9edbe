package main

import "github.com/kebairia/diffback/cmd"

func main() {
	cmd.Execute()
}
