package main

import "github.com/SahilThete/ME-AnonBot/cmd"

func main() {
	cmd.Execute()
}
