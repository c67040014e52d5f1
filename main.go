package main

import (
	"os"

	"github.com/lupppig/dbcycle/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
