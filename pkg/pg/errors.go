package pg

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
	ErrEmptyConnectionString    = errors.New("empty postgres connection string, use PG_CONN_URL env var")
	ErrHealthcheckFailed        = errors.New("healthcheck failed, connection is not available")
	ErrFailedToParseDBConfig    = errors.New("failed to parse db config")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
	ErrMigrationsFSNotProvided  = errors.New("migrations filesystem not provided")
	ErrFailedToBeginTx          = errors.New("failed to begin transaction")
	ErrFailedToCommitTx         = errors.New("failed to commit transaction")
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeSerialization       = "40001"
)

func IsNotFoundError(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}

func IsDuplicateKeyError(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

func IsForeignKeyViolationError(err error) bool {
	return hasCode(err, codeForeignKeyViolation)
}

// IsSerializationError reports a serialization failure the caller may retry.
func IsSerializationError(err error) bool {
	return hasCode(err, codeSerialization)
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
