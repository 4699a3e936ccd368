package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	// ConnScopeKey is the context key for storing the scoped database connection.
	ConnScopeKey contextKey = "connScope"
)

// ConnScope wraps one pooled connection held for the duration of a request or task.
type ConnScope struct {
	Conn *pgxpool.Conn
}

// Close releases the connection back to the pool.
func (s *ConnScope) Close() {
	if s.Conn == nil {
		return
	}
	s.Conn.Release()
}

// GetConnScope retrieves the scoped database connection from context.
// Returns nil and false if not present.
func GetConnScope(ctx context.Context) (*ConnScope, bool) {
	scope, ok := ctx.Value(ConnScopeKey).(*ConnScope)
	return scope, ok
}

// SetConnScope stores the scoped database connection in context.
func SetConnScope(ctx context.Context, scope *ConnScope) context.Context {
	return context.WithValue(ctx, ConnScopeKey, scope)
}

// Acquire takes a connection from the pool.
// The returned ConnScope MUST be closed with defer scope.Close().
func (db *DB) Acquire(ctx context.Context) (*ConnScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &ConnScope{Conn: conn}, nil
}

// ScopeContextFunc returns a context carrying its own connection plus a cleanup func.
// Background tasks call it so each worker holds a separate connection.
type ScopeContextFunc func(ctx context.Context) (context.Context, func(), error)

// ScopeContext implements ScopeContextFunc for db.
func (db *DB) ScopeContext(ctx context.Context) (context.Context, func(), error) {
	scope, err := db.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetConnScope(ctx, scope), scope.Close, nil
}
