// Command sykli is the CI/CD task-graph engine's CLI surface (spec §6.2):
// sykli [run <path>] | graph <path> | delta | context | cache {stats|clean|gc}.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sykli-ci/sykli/internal/diag"
	"github.com/sykli-ci/sykli/internal/logging"
	"github.com/sykli-ci/sykli/internal/syklierr"
)

func main() {
	logging.Init("sykli")

	ctx := context.Background()
	shutdownTelemetry := initTelemetry(ctx, "sykli")
	defer shutdownTelemetry(ctx)

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		cat, code := syklierr.Classify(err)
		d := diag.Diagnostic{
			Severity: diag.SeverityError,
			Code:     code,
			Message:  err.Error(),
		}
		fmt.Fprint(os.Stderr, d.Render())
		os.Exit(cat.ExitCode())
	}
}
