package main

import (
	"flag"
	"os"

	"github.com/relaymesh/credserver/internal/platform/config"
	"github.com/relaymesh/credserver/internal/tools/operatorkey"
)

func main() {
	cfg, err := operatorkey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := operatorkey.Run(cfg, os.Stdout); err != nil {
		config.Exitf("provision operator: %v", err)
	}
}
