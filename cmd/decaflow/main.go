package main

import (
	"os"

	"github.com/decaflow/decaflow/internal/app"
	"github.com/joho/godotenv"
)

func main() {
	// Missing .env is fine, environment variables still apply.
	_ = godotenv.Load()
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
