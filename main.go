package main

import (
	"github.com/bobuhiro11/govcpu/flag"
	"github.com/bobuhiro11/govcpu/logger"
)

func main() {
	if err := flag.Parse(); err != nil {
		l := logger.Base()
		l.Fatal().Err(err).Msg("govcpu")
	}
}
