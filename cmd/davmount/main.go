package main

import "github.com/javi11/davmount/cmd/davmount/cmd"

func main() {
	cmd.Execute()
}
