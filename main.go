package main

import "github.com/dmpolin/connect-billing/cmd"

func main() {
	cmd.Execute()
}
