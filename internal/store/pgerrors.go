package store

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"capitalkernel/internal/errkind"
)

// classifyPgError maps a Postgres driver error to the kernel's closed error
// kind set. Constraint violations the schema encodes on purpose (CHECK,
// FK, unique) are ValidationError/StateConflict, never DataIntegrity —
// DataIntegrity is reserved for violations the integrity engine detects in
// live data, not ones the database itself refuses to persist (spec §8,
// invariants 6-7).
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return errkind.New(errkind.Unreachable, "unclassified-store-error", err)
	}
	switch pgErr.Code {
	case pgerrcode.CheckViolation:
		return errkind.New(errkind.ValidationError, "check-violation:"+pgErr.ConstraintName, err)
	case pgerrcode.ForeignKeyViolation:
		return errkind.New(errkind.ValidationError, "fk-violation:"+pgErr.ConstraintName, err)
	case pgerrcode.UniqueViolation:
		return errkind.New(errkind.StateConflict, "unique-violation:"+pgErr.ConstraintName, err)
	default:
		return errkind.New(errkind.BrokerTransient, "pg-error:"+pgErr.Code, err)
	}
}
