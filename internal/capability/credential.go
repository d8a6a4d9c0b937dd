// Package capability implements capability resolution support code beyond
// graph wiring (handled in internal/graph): OIDC-based cloud credential
// exchange for tasks carrying a credential_binding (spec §4.2 step 5).
package capability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"

	"github.com/sykli-ci/sykli/internal/events"
	"github.com/sykli-ci/sykli/internal/graph"
	"github.com/sykli-ci/sykli/internal/otelinit"
)

// tracer is the capability resolver's own trace.Tracer (spec §A.2).
var tracer = otel.Tracer("sykli/capability")

// Credentials is the short-lived secret material written to a private temp
// file and injected into the task's environment.
type Credentials struct {
	Path     string // 0600 file holding the provider-specific credential blob
	EnvVars  map[string]string
	ExpiresAt time.Time
}

// IdentityTokenSource issues the host CI's OIDC identity token (GitHub
// Actions' ACTIONS_ID_TOKEN_REQUEST_URL / GitLab's CI_JOB_JWT, or any
// compatible source). Implementations are injected so tests can fake one.
type IdentityTokenSource interface {
	IssueToken(ctx context.Context, audience string) (string, error)
}

// Exchanger performs the cloud-specific STS exchange for a parsed identity
// token, returning the resulting credential material.
type Exchanger interface {
	Exchange(ctx context.Context, idToken string, binding *graph.CredentialBinding) (Credentials, error)
}

var exchangers = map[string]Exchanger{
	"aws":   awsExchanger{},
	"gcp":   gcpExchanger{},
	"azure": azureExchanger{},
}

// Resolve issues an identity token, exchanges it with the declared cloud
// provider, writes the resulting credentials to a 0600 temp file, and
// returns the env vars to inject into the task. Emits credential_exchange
// on bus with the outcome.
func Resolve(ctx context.Context, bus *events.Bus, runID string, task *graph.Task, tokens IdentityTokenSource) (Credentials, error) {
	ctx, endSpan := otelinit.WithSpan(ctx, tracer, "capability.Resolve")
	defer endSpan()

	binding := task.CredentialBinding
	if binding == nil {
		return Credentials{}, fmt.Errorf("capability: task %q has no credential_binding", task.Name)
	}

	exchanger, ok := exchangers[binding.Provider]
	if !ok {
		err := fmt.Errorf("capability: unsupported credential provider %q", binding.Provider)
		publishOutcome(bus, runID, task.Name, binding.Provider, "error")
		return Credentials{}, err
	}

	idToken, err := tokens.IssueToken(ctx, binding.Audience)
	if err != nil {
		publishOutcome(bus, runID, task.Name, binding.Provider, "error")
		return Credentials{}, fmt.Errorf("capability: issue identity token: %w", err)
	}

	if _, _, err := jwt.NewParser().ParseUnverified(idToken, jwt.MapClaims{}); err != nil {
		publishOutcome(bus, runID, task.Name, binding.Provider, "error")
		return Credentials{}, fmt.Errorf("capability: identity token is not a well-formed JWT: %w", err)
	}

	creds, err := exchanger.Exchange(ctx, idToken, binding)
	if err != nil {
		publishOutcome(bus, runID, task.Name, binding.Provider, "error")
		return Credentials{}, fmt.Errorf("capability: exchange with %s: %w", binding.Provider, err)
	}

	publishOutcome(bus, runID, task.Name, binding.Provider, "success")
	return creds, nil
}

func publishOutcome(bus *events.Bus, runID, taskName, provider, outcome string) {
	if bus == nil {
		return
	}
	bus.Publish(events.NewEvent(events.CredentialExchange, runID, taskName, map[string]any{
		"provider": provider,
		"outcome":  outcome,
	}))
}

// writeSecretFile writes body to a private (0600) temp file under
// os.TempDir and returns its path.
func writeSecretFile(prefix, body string) (string, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("capability: generate temp suffix: %w", err)
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("sykli-cred-%s-%s", prefix, hex.EncodeToString(suffix[:])))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("capability: write credential file: %w", err)
	}
	return path, nil
}
