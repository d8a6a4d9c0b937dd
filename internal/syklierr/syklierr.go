// Package syklierr classifies the engine's errors into the taxonomy spec §7
// names (Execution, Validation, SDK, Runtime, Internal) so the CLI can pick
// an exit code and a diagnostic error code without every call site having to
// know the full type hierarchy. It classifies existing package-level errors
// (graph.CycleError, target.ErrDirtyWorkdir, k8s.ErrExecAuthUnsupported,
// gate.ErrMisconfigured, ...) rather than replacing them.
package syklierr

import (
	"errors"

	"github.com/sykli-ci/sykli/internal/gate"
	"github.com/sykli-ci/sykli/internal/graph"
	"github.com/sykli-ci/sykli/internal/k8s"
	"github.com/sykli-ci/sykli/internal/sdk"
	"github.com/sykli-ci/sykli/internal/target"
)

// Category is an error taxonomy bucket: spec §7's five (Execution,
// Validation, SDK, Runtime, Internal), with SDK invocation failures kept
// apart from a missing SDK file as SDKInvoke so they map to exit code 4.
type Category string

const (
	CategoryExecution  Category = "execution"
	CategoryValidation Category = "validation"
	CategorySDK        Category = "sdk"
	CategorySDKInvoke  Category = "sdk_invoke"
	CategoryRuntime    Category = "runtime"
	CategoryInternal   Category = "internal"
)

// ExitCode maps a Category to the CLI exit code spec §6.2 assigns it.
// Execution failures share exit code 1 with "any task failed"; Internal
// errors also use 1 since spec §6.2 reserves codes only for validation (2),
// missing SDK (3), and SDK invocation failure (4).
func (c Category) ExitCode() int {
	switch c {
	case CategoryValidation:
		return 2
	case CategorySDK:
		return 3
	case CategorySDKInvoke:
		return 4
	default:
		return 1
	}
}

// Classify inspects err against the known engine error types and returns
// its taxonomy Category plus a short machine-readable code for
// internal/diag's "error[<code>]" field.
func Classify(err error) (Category, string) {
	var cycleErr *graph.CycleError
	var parseErr *graph.ParseError
	var resolutionErr *graph.ResolutionError
	var artifactErr *graph.ArtifactError
	var misconfigured *gate.ErrMisconfigured
	var invokeErr *sdk.InvokeError

	switch {
	case errors.As(err, &cycleErr):
		return CategoryValidation, "E_CYCLE"
	case errors.As(err, &parseErr):
		return CategoryValidation, "E_PARSE"
	case errors.As(err, &resolutionErr):
		return CategoryValidation, "E_CAPABILITY"
	case errors.As(err, &artifactErr):
		return CategoryValidation, "E_ARTIFACT"
	case errors.As(err, &misconfigured):
		return CategoryValidation, "E_GATE_CONFIG"
	case errors.Is(err, target.ErrDirtyWorkdir):
		return CategoryRuntime, "E_DIRTY_WORKDIR"
	case errors.Is(err, k8s.ErrExecAuthUnsupported):
		return CategoryRuntime, "E_AUTH_UNSUPPORTED"
	case errors.Is(err, sdk.ErrNotFound):
		return CategorySDK, "E_SDK_NOT_FOUND"
	case errors.As(err, &invokeErr):
		return CategorySDKInvoke, "E_SDK_INVOKE"
	default:
		return CategoryInternal, "E_INTERNAL"
	}
}
