package main

import (
	"github.com/joho/godotenv"

	"github.com/vigilcam/vigil/cmd/vigil"
)

func main() {
	_ = godotenv.Load()
	vigil.Execute()
}
