// Package target resolves the telemetry entity a monitoring session connects to.
package target

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-iotmonitor/pkg/central"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// Resolver produces a ConnectionTarget. Every failure is a *types.AuthResolutionError.
type Resolver interface {
	Resolve(ctx context.Context) (types.ConnectionTarget, error)
}

// ConnectionStringResolver resolves an event-hub-compatible connection string.
type ConnectionStringResolver struct {
	ConnectionString string
	// EntityPath is used when the connection string does not carry one.
	EntityPath string
}

// Resolve implements Resolver. It performs no I/O.
func (r ConnectionStringResolver) Resolve(_ context.Context) (types.ConnectionTarget, error) {
	t, err := ParseConnectionString(r.ConnectionString)
	if err != nil {
		return types.ConnectionTarget{}, &types.AuthResolutionError{Source: "connection string", Err: err}
	}
	if t.EntityPath == "" {
		t.EntityPath = r.EntityPath
	}
	if err := t.Validate(); err != nil {
		return types.ConnectionTarget{}, &types.AuthResolutionError{Source: "connection string", Err: err}
	}
	return t, nil
}

// ParseConnectionString parses
// "Endpoint=sb://host/;SharedAccessKeyName=..;SharedAccessKey=..;EntityPath=.." and the
// SharedAccessSignature variant. Keys are matched case-insensitively.
func ParseConnectionString(cs string) (types.ConnectionTarget, error) {
	var t types.ConnectionTarget
	if strings.TrimSpace(cs) == "" {
		return t, fmt.Errorf("connection string is empty")
	}
	for _, part := range strings.Split(cs, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return types.ConnectionTarget{}, fmt.Errorf("connection string segment %q is not key=value", part)
		}
		switch strings.ToLower(key) {
		case "endpoint":
			t.Host = NormalizeHost(value)
		case "sharedaccesskeyname":
			t.Auth.KeyName = value
			t.PolicyName = value
		case "sharedaccesskey":
			t.Auth.Key = value
		case "sharedaccesssignature":
			t.Auth.Kind = types.AuthSharedAccessSignature
			t.Auth.SASToken = value
		case "entitypath":
			t.EntityPath = value
		case "hostname":
			return types.ConnectionTarget{}, fmt.Errorf("hub connection strings are not supported, use the event-hub-compatible endpoint of the hub")
		}
	}
	if t.Host == "" {
		return types.ConnectionTarget{}, fmt.Errorf("connection string has no Endpoint")
	}
	if t.Auth.Kind == types.AuthSharedAccessSignature {
		if sas, err := central.ParseSASToken(t.Auth.SASToken); err == nil && sas.KeyName != "" {
			t.Auth.KeyName = sas.KeyName
			t.PolicyName = sas.KeyName
		}
	}
	return t, nil
}

// NormalizeHost strips the scheme and any trailing path from an endpoint.
func NormalizeHost(endpoint string) string {
	h := strings.TrimSpace(endpoint)
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.Index(h, "/"); i >= 0 {
		h = h[:i]
	}
	return h
}

// TokenExchanger trades an application credential for event hub SAS tokens.
type TokenExchanger interface {
	GenerateTokens(ctx context.Context) (central.Tokens, error)
}

// CentralResolver resolves the event hub of an IoT Central application. It makes exactly one
// control-plane call and does not retry.
type CentralResolver struct {
	AppID       string
	BearerToken string
	Exchanger   TokenExchanger
	Logger      zerolog.Logger
	// Now is used for the bearer token expiry check; defaults to time.Now.
	Now func() time.Time
}

// Resolve implements Resolver.
func (r CentralResolver) Resolve(ctx context.Context) (types.ConnectionTarget, error) {
	source := fmt.Sprintf("central app %s", r.AppID)
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	if err := central.CheckBearerToken(r.BearerToken, now()); err != nil {
		return types.ConnectionTarget{}, &types.AuthResolutionError{Source: source, Err: err}
	}
	if r.Exchanger == nil {
		return types.ConnectionTarget{}, &types.AuthResolutionError{Source: source, Err: fmt.Errorf("no token exchanger configured")}
	}

	tokens, err := r.Exchanger.GenerateTokens(ctx)
	if err != nil {
		return types.ConnectionTarget{}, &types.AuthResolutionError{Source: source, Err: fmt.Errorf("token exchange failed: %w", err)}
	}

	t := types.ConnectionTarget{
		Host:       NormalizeHost(tokens.EventHub.Hostname),
		EntityPath: tokens.EventHub.EntityPath,
		Auth:       types.Credential{Kind: types.AuthSharedAccessSignature, SASToken: tokens.EventHub.SASToken},
	}
	sas, err := central.ParseSASToken(tokens.EventHub.SASToken)
	if err != nil {
		return types.ConnectionTarget{}, &types.AuthResolutionError{Source: source, Err: fmt.Errorf("event hub token: %w", err)}
	}
	t.PolicyName = sas.KeyName
	t.Auth.KeyName = sas.KeyName
	if err := t.Validate(); err != nil {
		return types.ConnectionTarget{}, &types.AuthResolutionError{Source: source, Err: err}
	}

	logger := r.Logger.With().Str("component", "CentralResolver").Logger()
	logger.Info().Str("app_id", r.AppID).Str("host", t.Host).Str("entity_path", t.EntityPath).
		Str("policy", t.PolicyName).Msg("Resolved Central event hub.")
	return t, nil
}
