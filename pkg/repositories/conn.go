package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/database"
)

// scopeConn returns the connection held by the request or task in ctx.
func scopeConn(ctx context.Context) (*pgxpool.Conn, error) {
	scope, ok := database.GetConnScope(ctx)
	if !ok || scope.Conn == nil {
		return nil, fmt.Errorf("no connection scope in context")
	}
	return scope.Conn, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
