package target

import (
	"context"

	"github.com/illmade-knight/go-iotmonitor/pkg/types"
)

// Static resolves to a fixed target. It pairs with broker.MemoryBroker in tests.
type Static struct {
	Target types.ConnectionTarget
}

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context) (types.ConnectionTarget, error) {
	return s.Target, nil
}
