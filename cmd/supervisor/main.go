package main

import (
	"github.com/Paintersrp/supervisor/internal/cli"
	"github.com/Paintersrp/supervisor/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
