// Package main is the single-binary entrypoint for epud, the EPUM/PDC
// elastic compute control plane.
package main

import "github.com/oldpatricka/epu/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
