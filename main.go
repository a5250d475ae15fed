/*
	Copyright 2023 Markus Papenbrock
*/

package main

import "github.com/mpapenbr/sprint-relay/cmd"

func main() {
	cmd.Execute()
}
