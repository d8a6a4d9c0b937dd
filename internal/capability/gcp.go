package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/sykli-ci/sykli/internal/graph"
)

const defaultGCPSTSEndpoint = "https://sts.googleapis.com/v1/token"

// gcpExchanger implements the GCP workload-identity-federation exchange:
// OIDC token -> STS token exchange (external_account). The STS access token
// is used as-is; no service-account impersonation is performed.
type gcpExchanger struct{}

type gcpTokenExchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
}

func (gcpExchanger) Exchange(ctx context.Context, idToken string, binding *graph.CredentialBinding) (Credentials, error) {
	if binding.Role == "" {
		return Credentials{}, fmt.Errorf("gcp: credential_binding.role (the workload identity provider resource name) is required")
	}

	endpoint := defaultGCPSTSEndpoint
	if e := os.Getenv("SYKLI_GCP_STS_ENDPOINT"); e != "" {
		endpoint = e
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:token-exchange")
	form.Set("audience", binding.Role)
	form.Set("scope", "https://www.googleapis.com/auth/cloud-platform")
	form.Set("requested_token_type", "urn:ietf:params:oauth:token-type:access_token")
	form.Set("subject_token", idToken)
	form.Set("subject_token_type", "urn:ietf:params:oauth:token-type:jwt")

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("gcp sts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("gcp sts: unexpected status %d", resp.StatusCode)
	}

	var parsed gcpTokenExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Credentials{}, fmt.Errorf("gcp sts: decode response: %w", err)
	}

	blob, _ := json.Marshal(map[string]string{"access_token": parsed.AccessToken, "token_type": parsed.TokenType})
	path, err := writeSecretFile("gcp", string(blob))
	if err != nil {
		return Credentials{}, err
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return Credentials{
		Path: path,
		EnvVars: map[string]string{
			"CLOUDSDK_AUTH_ACCESS_TOKEN": parsed.AccessToken,
			"GOOGLE_OAUTH_ACCESS_TOKEN":  parsed.AccessToken,
		},
		ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}
