package target_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-iotmonitor/pkg/central"
	"github.com/illmade-knight/go-iotmonitor/pkg/target"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

type fakeExchanger struct {
	tokens central.Tokens
	err    error
	calls  int
}

func (f *fakeExchanger) GenerateTokens(_ context.Context) (central.Tokens, error) {
	f.calls++
	return f.tokens, f.err
}

func bearer(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	return tok
}

func TestConnectionStringResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("shared access key", func(t *testing.T) {
		r := target.ConnectionStringResolver{ConnectionString: "Endpoint=sb://ihsuprod.servicebus.windows.net/;SharedAccessKeyName=iothubowner;SharedAccessKey=a2V5PQ==;EntityPath=myhub"}

		got, err := r.Resolve(ctx)

		require.NoError(t, err)
		assert.Equal(t, "ihsuprod.servicebus.windows.net", got.Host)
		assert.Equal(t, "myhub", got.EntityPath)
		assert.Equal(t, types.AuthSharedAccessKey, got.Auth.Kind)
		assert.Equal(t, "a2V5PQ==", got.Auth.Key)
		assert.Equal(t, "iothubowner", got.PolicyName)
		assert.Equal(t, "ihsuprod.servicebus.windows.net:9093", got.BrokerAddress())
	})

	t.Run("shared access signature carries the policy name", func(t *testing.T) {
		r := target.ConnectionStringResolver{
			ConnectionString: "Endpoint=sb://ns.servicebus.windows.net/;SharedAccessSignature=SharedAccessSignature sr=ns&sig=abc&skn=listen",
			EntityPath:       "fallback",
		}

		got, err := r.Resolve(ctx)

		require.NoError(t, err)
		assert.Equal(t, types.AuthSharedAccessSignature, got.Auth.Kind)
		assert.Equal(t, "listen", got.PolicyName)
		assert.Equal(t, "fallback", got.EntityPath)
	})

	t.Run("invalid strings are auth resolution errors", func(t *testing.T) {
		for _, cs := range []string{
			"",
			"garbage",
			"HostName=hub.azure-devices.net;SharedAccessKeyName=owner;SharedAccessKey=k",
			"Endpoint=sb://ns/;EntityPath=hub",
			"SharedAccessKeyName=a;SharedAccessKey=b;EntityPath=hub",
		} {
			_, err := target.ConnectionStringResolver{ConnectionString: cs}.Resolve(ctx)
			var authErr *types.AuthResolutionError
			assert.True(t, errors.As(err, &authErr), "expected AuthResolutionError for %q", cs)
		}
	})
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "ns.servicebus.windows.net", target.NormalizeHost("sb://ns.servicebus.windows.net/"))
	assert.Equal(t, "ns.servicebus.windows.net", target.NormalizeHost("ns.servicebus.windows.net"))
	assert.Equal(t, "ns", target.NormalizeHost(" amqps://ns/path "))
}

func TestCentralResolver(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	goodTokens := central.Tokens{
		EventHub: central.EventHubToken{
			SASToken:   "SharedAccessSignature sr=sb%3A%2F%2Fns.servicebus.windows.net%2Fep&sig=s&se=9999999999&skn=service",
			EntityPath: "ep",
			Hostname:   "sb://ns.servicebus.windows.net/",
		},
	}

	t.Run("resolves with one exchange", func(t *testing.T) {
		ex := &fakeExchanger{tokens: goodTokens}
		r := target.CentralResolver{AppID: "app", BearerToken: bearer(t, now.Add(time.Hour)), Exchanger: ex, Logger: zerolog.Nop()}

		got, err := r.Resolve(ctx)

		require.NoError(t, err)
		assert.Equal(t, "ns.servicebus.windows.net", got.Host)
		assert.Equal(t, "ep", got.EntityPath)
		assert.Equal(t, "service", got.PolicyName)
		assert.Equal(t, types.AuthSharedAccessSignature, got.Auth.Kind)
		assert.Equal(t, 1, ex.calls)
	})

	t.Run("logs under its component", func(t *testing.T) {
		var buf bytes.Buffer
		r := target.CentralResolver{AppID: "app", BearerToken: bearer(t, now.Add(time.Hour)), Exchanger: &fakeExchanger{tokens: goodTokens}, Logger: zerolog.New(&buf)}

		_, err := r.Resolve(ctx)

		require.NoError(t, err)
		assert.Contains(t, buf.String(), `"component":"CentralResolver"`)
		assert.Contains(t, buf.String(), `"app_id":"app"`)
	})

	t.Run("expired bearer token fails before the exchange", func(t *testing.T) {
		ex := &fakeExchanger{tokens: goodTokens}
		r := target.CentralResolver{AppID: "app", BearerToken: bearer(t, now.Add(-time.Hour)), Exchanger: ex, Logger: zerolog.Nop()}

		_, err := r.Resolve(ctx)

		var authErr *types.AuthResolutionError
		require.True(t, errors.As(err, &authErr))
		assert.Equal(t, 0, ex.calls)
	})

	t.Run("exchange failure is not retried", func(t *testing.T) {
		boom := errors.New("403")
		ex := &fakeExchanger{err: boom}
		r := target.CentralResolver{AppID: "app", BearerToken: bearer(t, now.Add(time.Hour)), Exchanger: ex, Logger: zerolog.Nop()}

		_, err := r.Resolve(ctx)

		var authErr *types.AuthResolutionError
		require.True(t, errors.As(err, &authErr))
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, ex.calls)
	})

	t.Run("malformed event hub token", func(t *testing.T) {
		bad := goodTokens
		bad.EventHub.SASToken = "nope"
		r := target.CentralResolver{AppID: "app", BearerToken: bearer(t, now.Add(time.Hour)), Exchanger: &fakeExchanger{tokens: bad}, Logger: zerolog.Nop()}

		_, err := r.Resolve(ctx)

		var authErr *types.AuthResolutionError
		assert.True(t, errors.As(err, &authErr))
	})
}
