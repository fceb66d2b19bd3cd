package main

import (
	"github.com/daveTechLed/sqlstress/cmd"
	_ "go.uber.org/automaxprocs"
)

func main() {
	cmd.Execute()
}
