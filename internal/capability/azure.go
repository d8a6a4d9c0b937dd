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

// azureExchanger implements Azure AD workload-identity federation: an
// OIDC token is presented as a federated client assertion against the
// tenant's v2.0 token endpoint.
type azureExchanger struct{}

type azureTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (azureExchanger) Exchange(ctx context.Context, idToken string, binding *graph.CredentialBinding) (Credentials, error) {
	if binding.Role == "" {
		return Credentials{}, fmt.Errorf("azure: credential_binding.role (the tenant/client identifier, \"tenant:client\") is required")
	}

	tenant, clientID, err := splitTenantClient(binding.Role)
	if err != nil {
		return Credentials{}, err
	}

	endpoint := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant)
	if e := os.Getenv("SYKLI_AZURE_TOKEN_ENDPOINT"); e != "" {
		endpoint = e
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", clientID)
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", idToken)
	form.Set("scope", "https://management.azure.com/.default")

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("azure token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("azure token exchange: unexpected status %d", resp.StatusCode)
	}

	var parsed azureTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Credentials{}, fmt.Errorf("azure token exchange: decode response: %w", err)
	}

	blob, _ := json.Marshal(map[string]string{"access_token": parsed.AccessToken, "token_type": parsed.TokenType})
	path, err := writeSecretFile("azure", string(blob))
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
			"AZURE_ACCESS_TOKEN": parsed.AccessToken,
		},
		ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func splitTenantClient(role string) (tenant, clientID string, err error) {
	for i := 0; i < len(role); i++ {
		if role[i] == ':' {
			return role[:i], role[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("azure: role must be formatted \"tenant:client_id\", got %q", role)
}
