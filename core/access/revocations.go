package access

import (
	"context"
	"time"

	"github.com/relabs-tech/agriwatch/core/csql"
)

// RevocationStore is the persistent set of revoked session tokens.
type RevocationStore interface {
	// IsRevoked returns true if token has been revoked
	IsRevoked(ctx context.Context, token string) (bool, error)
	// Revoke adds token with its expiry. Adding a token twice is a no-op.
	Revoke(ctx context.Context, token string, expiry time.Time) error
	// PurgeExpired deletes all entries which expired before now and returns how many.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// PostgresRevocations is a RevocationStore in a postgres table
type PostgresRevocations struct {
	db    *csql.DB
	table string
}

// NewPostgresRevocations returns a revocation store. It creates the sql
// table if it does not exist.
func NewPostgresRevocations(db *csql.DB) *PostgresRevocations {
	r := &PostgresRevocations{db: db, table: db.Table("blacklisted_tokens")}
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + r.table + `
(token TEXT NOT NULL,
expiry TIMESTAMPTZ NOT NULL,
PRIMARY KEY(token)
);
CREATE index IF NOT EXISTS blacklisted_tokens_expiry_index ON ` + r.table + `(expiry);`)
	if err != nil {
		panic(err)
	}
	return r
}

// IsRevoked implements RevocationStore
func (r *PostgresRevocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	var found int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM `+r.table+` WHERE token=$1;`, token).Scan(&found)
	if err == csql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Revoke implements RevocationStore
func (r *PostgresRevocations) Revoke(ctx context.Context, token string, expiry time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+r.table+`(token,expiry) VALUES($1,$2) ON CONFLICT (token) DO NOTHING;`,
		token, expiry.UTC())
	return err
}

// PurgeExpired implements RevocationStore
func (r *PostgresRevocations) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+r.table+` WHERE expiry < $1;`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
