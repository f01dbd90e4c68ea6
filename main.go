package main

import (
	_ "time/tzdata"

	"github.com/chadmayfield/heatlogd/cmd"
)

func main() {
	cmd.Execute()
}
