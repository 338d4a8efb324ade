// Package main is the entry point for FaceGate
package main

import "github.com/MrCodeEU/FaceGate/internal/cli"

func main() {
	cli.Execute()
}
