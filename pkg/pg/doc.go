// Package pg holds the PostgreSQL plumbing shared by the billing and
// workspace stores: pool construction with retry, goose migrations from an
// embedded filesystem, a transaction helper, and pgx error classification.
package pg
