package capability

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sykli-ci/sykli/internal/graph"
)

const defaultSTSEndpoint = "https://sts.amazonaws.com/"

// awsExchanger implements AssumeRoleWithWebIdentity against AWS STS.
type awsExchanger struct{}

type stsAssumeRoleResponse struct {
	XMLName xml.Name `xml:"AssumeRoleWithWebIdentityResponse"`
	Result  struct {
		Credentials struct {
			AccessKeyId     string `xml:"AccessKeyId"`
			SecretAccessKey string `xml:"SecretAccessKey"`
			SessionToken    string `xml:"SessionToken"`
			Expiration      string `xml:"Expiration"`
		} `xml:"Credentials"`
	} `xml:"AssumeRoleWithWebIdentityResult"`
}

func (awsExchanger) Exchange(ctx context.Context, idToken string, binding *graph.CredentialBinding) (Credentials, error) {
	if binding.Role == "" {
		return Credentials{}, fmt.Errorf("aws: credential_binding.role (the IAM role ARN) is required")
	}
	duration := binding.Duration
	if duration <= 0 {
		duration = 3600
	}

	endpoint := defaultSTSEndpoint
	if e := os.Getenv("SYKLI_AWS_STS_ENDPOINT"); e != "" {
		endpoint = e
	}

	form := url.Values{}
	form.Set("Action", "AssumeRoleWithWebIdentity")
	form.Set("Version", "2011-06-15")
	form.Set("RoleArn", binding.Role)
	form.Set("RoleSessionName", "sykli-task")
	form.Set("WebIdentityToken", idToken)
	form.Set("DurationSeconds", fmt.Sprintf("%d", duration))

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/xml")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("aws sts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("aws sts: unexpected status %d", resp.StatusCode)
	}

	var parsed stsAssumeRoleResponse
	if err := xml.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Credentials{}, fmt.Errorf("aws sts: decode response: %w", err)
	}
	creds := parsed.Result.Credentials

	blob, _ := json.Marshal(map[string]string{
		"AccessKeyId":     creds.AccessKeyId,
		"SecretAccessKey": creds.SecretAccessKey,
		"SessionToken":    creds.SessionToken,
	})
	path, err := writeSecretFile("aws", string(blob))
	if err != nil {
		return Credentials{}, err
	}

	expiry, _ := time.Parse(time.RFC3339, creds.Expiration)
	return Credentials{
		Path: path,
		EnvVars: map[string]string{
			"AWS_ACCESS_KEY_ID":     creds.AccessKeyId,
			"AWS_SECRET_ACCESS_KEY": creds.SecretAccessKey,
			"AWS_SESSION_TOKEN":     creds.SessionToken,
		},
		ExpiresAt: expiry,
	}, nil
}
