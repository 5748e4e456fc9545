package types

import (
	"fmt"
	"net"
	"strings"
)

// KafkaPort is the port exposed by event hub namespaces for the Kafka protocol surface.
const KafkaPort = "9093"

// AuthKind identifies how a ConnectionTarget authenticates against the broker.
type AuthKind int

const (
	// AuthSharedAccessKey authenticates with a named policy and its key.
	AuthSharedAccessKey AuthKind = iota
	// AuthSharedAccessSignature authenticates with a pre-signed SAS token.
	AuthSharedAccessSignature
)

func (k AuthKind) String() string {
	switch k {
	case AuthSharedAccessKey:
		return "key"
	case AuthSharedAccessSignature:
		return "sas"
	default:
		return fmt.Sprintf("AuthKind(%d)", int(k))
	}
}

// Credential carries the secret material for a ConnectionTarget.
type Credential struct {
	Kind     AuthKind
	KeyName  string
	Key      string
	SASToken string
}

// ConnectionTarget describes the telemetry entity a session reads from.
// It is immutable once resolved.
type ConnectionTarget struct {
	// Host is the fully qualified namespace host, e.g. "ihsuprod.servicebus.windows.net".
	Host string
	// EntityPath is the event hub name holding device telemetry.
	EntityPath string
	Auth       Credential
	// PolicyName is the shared access policy the credential was issued for, if known.
	PolicyName string
}

// BrokerAddress returns the host:port pair of the namespace's Kafka endpoint.
func (t ConnectionTarget) BrokerAddress() string {
	if _, _, err := net.SplitHostPort(t.Host); err == nil {
		return t.Host
	}
	return net.JoinHostPort(t.Host, KafkaPort)
}

// ConnectionString renders the target as an event hub connection string. This is the form the
// Kafka surface expects as the SASL PLAIN password.
func (t ConnectionTarget) ConnectionString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Endpoint=sb://%s/;", t.Host)
	switch t.Auth.Kind {
	case AuthSharedAccessSignature:
		fmt.Fprintf(&b, "SharedAccessSignature=%s;", t.Auth.SASToken)
	default:
		fmt.Fprintf(&b, "SharedAccessKeyName=%s;SharedAccessKey=%s;", t.Auth.KeyName, t.Auth.Key)
	}
	fmt.Fprintf(&b, "EntityPath=%s", t.EntityPath)
	return b.String()
}

// Validate reports whether the target has enough information to connect.
func (t ConnectionTarget) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("target host is empty")
	}
	if t.EntityPath == "" {
		return fmt.Errorf("target entity path is empty")
	}
	switch t.Auth.Kind {
	case AuthSharedAccessSignature:
		if t.Auth.SASToken == "" {
			return fmt.Errorf("target SAS token is empty")
		}
	default:
		if t.Auth.KeyName == "" || t.Auth.Key == "" {
			return fmt.Errorf("target shared access key name and key are required")
		}
	}
	return nil
}
