package main

import (
	"os"

	"github.com/TheCacophonyProject/bms-slave/internal/logging"
	"github.com/TheCacophonyProject/bms-slave/internal/slave"
)

var version = "<not set>"

func main() {
	if err := slave.Run(os.Args[1:], version); err != nil {
		log := logging.NewLogger("info")
		log.Fatal(err)
	}
}
