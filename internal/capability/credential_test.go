package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sykli-ci/sykli/internal/events"
	"github.com/sykli-ci/sykli/internal/graph"
)

// fakeTokenSource returns a fixed, syntactically valid (but unsigned) JWT.
type fakeTokenSource struct{ token string }

func (f fakeTokenSource) IssueToken(ctx context.Context, audience string) (string, error) {
	return f.token, nil
}

// a minimal unsigned JWT: header.payload.signature, base64url, so
// jwt.ParseUnverified accepts it as well-formed without verifying anything.
const fakeJWT = "eyJhbGciOiJub25lIn0.eyJzdWIiOiJzeWtsaSJ9."

func TestResolveRejectsUnsupportedProvider(t *testing.T) {
	task := &graph.Task{Name: "deploy", CredentialBinding: &graph.CredentialBinding{Provider: "oracle"}}
	bus := events.NewBus()
	_, err := Resolve(context.Background(), bus, "run1", task, fakeTokenSource{token: fakeJWT})
	if err == nil {
		t.Fatal("expected unsupported provider error")
	}
}

func TestResolveRejectsMalformedToken(t *testing.T) {
	task := &graph.Task{Name: "deploy", CredentialBinding: &graph.CredentialBinding{Provider: "aws", Role: "arn:aws:iam::123:role/x"}}
	bus := events.NewBus()
	_, err := Resolve(context.Background(), bus, "run1", task, fakeTokenSource{token: "not-a-jwt"})
	if err == nil {
		t.Fatal("expected malformed-token error")
	}
}

func TestAWSExchangeAgainstFakeSTS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<AssumeRoleWithWebIdentityResponse><AssumeRoleWithWebIdentityResult><Credentials><AccessKeyId>AKIAFAKE</AccessKeyId><SecretAccessKey>secret</SecretAccessKey><SessionToken>token</SessionToken><Expiration>2030-01-01T00:00:00Z</Expiration></Credentials></AssumeRoleWithWebIdentityResult></AssumeRoleWithWebIdentityResponse>`))
	}))
	defer srv.Close()
	os.Setenv("SYKLI_AWS_STS_ENDPOINT", srv.URL)
	defer os.Unsetenv("SYKLI_AWS_STS_ENDPOINT")

	task := &graph.Task{Name: "deploy", CredentialBinding: &graph.CredentialBinding{Provider: "aws", Role: "arn:aws:iam::123456789012:role/deploy"}}
	bus := events.NewBus()
	creds, err := Resolve(context.Background(), bus, "run1", task, fakeTokenSource{token: fakeJWT})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.EnvVars["AWS_ACCESS_KEY_ID"] != "AKIAFAKE" {
		t.Fatalf("unexpected creds: %+v", creds)
	}
	defer os.Remove(creds.Path)
	info, err := os.Stat(creds.Path)
	if err != nil {
		t.Fatalf("stat credential file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestGCPExchangeAgainstFakeSTS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gcp-fake-token","issued_token_type":"urn:ietf:params:oauth:token-type:access_token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()
	os.Setenv("SYKLI_GCP_STS_ENDPOINT", srv.URL)
	defer os.Unsetenv("SYKLI_GCP_STS_ENDPOINT")

	task := &graph.Task{Name: "deploy", CredentialBinding: &graph.CredentialBinding{Provider: "gcp", Role: "//iam.googleapis.com/projects/1/locations/global/workloadIdentityPools/p/providers/x"}}
	bus := events.NewBus()
	creds, err := Resolve(context.Background(), bus, "run1", task, fakeTokenSource{token: fakeJWT})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.EnvVars["CLOUDSDK_AUTH_ACCESS_TOKEN"] != "gcp-fake-token" {
		t.Fatalf("unexpected creds: %+v", creds)
	}
	os.Remove(creds.Path)
}

func TestAzureExchangeAgainstFakeSTS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"azure-fake-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()
	os.Setenv("SYKLI_AZURE_TOKEN_ENDPOINT", srv.URL)
	defer os.Unsetenv("SYKLI_AZURE_TOKEN_ENDPOINT")

	task := &graph.Task{Name: "deploy", CredentialBinding: &graph.CredentialBinding{Provider: "azure", Role: "tenant123:client456"}}
	bus := events.NewBus()
	creds, err := Resolve(context.Background(), bus, "run1", task, fakeTokenSource{token: fakeJWT})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.EnvVars["AZURE_ACCESS_TOKEN"] != "azure-fake-token" {
		t.Fatalf("unexpected creds: %+v", creds)
	}
	os.Remove(creds.Path)
}

func TestAzureRejectsMalformedRole(t *testing.T) {
	_, _, err := splitTenantClient("no-colon-here")
	if err == nil {
		t.Fatal("expected error for role without tenant:client_id format")
	}
}
