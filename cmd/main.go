package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ssw/batchproxy/internal/app"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to YAML configuration file")
	flag.Parse()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	application, err := app.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}
