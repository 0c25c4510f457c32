package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is normal; credentials may come from the environment or the secrets file.
	_ = godotenv.Load()

	if err := newRootCmd(terminalPassword).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
