package central

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const sasPrefix = "SharedAccessSignature "

// SASToken is the parsed form of "SharedAccessSignature sr=..&sig=..&se=..&skn=..".
type SASToken struct {
	Resource  string
	Signature string
	Expiry    time.Time
	KeyName   string
}

// ParseSASToken parses a shared access signature. The resource is URL-decoded.
func ParseSASToken(token string) (SASToken, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, sasPrefix) {
		return SASToken{}, fmt.Errorf("token does not start with %q", strings.TrimSpace(sasPrefix))
	}
	values, err := url.ParseQuery(strings.TrimPrefix(token, sasPrefix))
	if err != nil {
		return SASToken{}, fmt.Errorf("malformed SAS token: %w", err)
	}
	sas := SASToken{
		Resource:  values.Get("sr"),
		Signature: values.Get("sig"),
		KeyName:   values.Get("skn"),
	}
	if sas.Resource == "" || sas.Signature == "" {
		return SASToken{}, fmt.Errorf("SAS token is missing sr or sig")
	}
	if se := values.Get("se"); se != "" {
		secs, err := strconv.ParseInt(se, 10, 64)
		if err != nil {
			return SASToken{}, fmt.Errorf("SAS token expiry %q is not a unix time: %w", se, err)
		}
		sas.Expiry = time.Unix(secs, 0).UTC()
	}
	return sas, nil
}

// Host returns the host part of the signed resource.
func (s SASToken) Host() string {
	r := s.Resource
	if u, err := url.Parse(r); err == nil && u.Host != "" {
		return u.Host
	}
	if i := strings.Index(r, "/"); i >= 0 {
		return r[:i]
	}
	return r
}

// Expired reports whether the token has an expiry at or before now.
func (s SASToken) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

// EventHubToken is the event hub half of a token exchange.
type EventHubToken struct {
	SASToken   string `json:"sasToken"`
	EntityPath string `json:"entityPath"`
	Hostname   string `json:"hostname"`
}

// HubToken is the hub tenant half of a token exchange.
type HubToken struct {
	SASToken string `json:"sasToken"`
}

// Tokens is the response of the application's SAS token exchange.
type Tokens struct {
	IoTHub   HubToken      `json:"iothubTenantSasToken"`
	EventHub EventHubToken `json:"eventhubSasToken"`
	Expiry   string        `json:"expiry"`
}

// GenerateTokens exchanges the bearer token for hub and event hub SAS tokens. It makes exactly
// one request and does not retry.
func (c *Client) GenerateTokens(ctx context.Context) (Tokens, error) {
	var tokens Tokens
	err := c.do(ctx, http.MethodPost, c.baseURL+"/system/iothubs/generateSasTokens", c.bearer(), nil, &tokens)
	if err != nil {
		return Tokens{}, err
	}
	if tokens.EventHub.SASToken == "" || tokens.EventHub.EntityPath == "" || tokens.EventHub.Hostname == "" {
		return Tokens{}, fmt.Errorf("token exchange returned an incomplete event hub token")
	}
	return tokens, nil
}
