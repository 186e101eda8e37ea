package pool

import (
	"context"
	"io"
)

// Connection represents a physical connection opened by a Provider.
// Closing it releases the underlying resource for good; pooled callers
// never close it directly and release the PooledConn they borrowed instead.
type Connection interface {
	io.Closer

	// Raw returns the underlying connection object.
	// The returned value can be type asserted to the actual connection type.
	Raw() interface{}
}

// Validator is implemented by connections that can report whether they are
// still usable. It is consulted when TestOnBorrow or TestOnReturn is set.
type Validator interface {
	IsAlive() bool
}

// Resetter is implemented by connections that need cleanup before being
// lent out again. A failed reset discards the connection.
type Resetter interface {
	ResetState() error
}

// Provider opens physical connections for a pool.
// Parameters are passed through verbatim from the pool definition.
type Provider interface {
	Open(ctx context.Context, target string, params map[string]string) (Connection, error)
}

// ProviderFunc adapts an ordinary function to the Provider interface.
type ProviderFunc func(ctx context.Context, target string, params map[string]string) (Connection, error)

// Open calls f.
func (f ProviderFunc) Open(ctx context.Context, target string, params map[string]string) (Connection, error) {
	return f(ctx, target, params)
}

// PoolObserver is notified about pool lifecycle events by the Registry.
// A returned error is logged and does not affect other observers.
type PoolObserver interface {
	// OnRegistration is called after a pool has been registered with its effective definition.
	OnRegistration(alias string, def Definition) error

	// OnShutdown is called once a pool has been shut down and removed from the registry.
	OnShutdown(alias string) error
}

// ConnectionObserver is notified about physical connection lifecycle events of one pool.
// Callbacks run on the goroutine that built or retired the connection, possibly inside
// Acquire. They may release connections and add or remove observers, but must not call
// Acquire on the same pool: a pending Shutdown would deadlock with the outer Acquire.
type ConnectionObserver interface {
	// OnBirth is called after a new connection was opened and before it joins the pool,
	// so no caller can have borrowed it yet.
	OnBirth(conn *Wrapper) error

	// OnDeath is called after a connection went offline and was closed.
	OnDeath(conn *Wrapper, reason string) error
}

// Status represents the lifecycle state of a pooled connection.
type Status int32

const (
	// StatusNull indicates the connection has not been constructed yet.
	StatusNull Status = iota

	// StatusAvailable indicates the connection is in the pool and can be borrowed.
	StatusAvailable

	// StatusActive indicates the connection is currently borrowed.
	StatusActive

	// StatusOffline indicates the connection has been taken out of service. It is terminal.
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusNull:
		return "NULL"
	case StatusAvailable:
		return "AVAILABLE"
	case StatusActive:
		return "ACTIVE"
	case StatusOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}
