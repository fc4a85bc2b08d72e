/*Package accounts is the credential store of the service.

It registers username/password pairs and verifies them at login. Passwords
are stored as bcrypt hashes only.
*/
package accounts

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/agriwatch/core/access"
	"github.com/relabs-tech/agriwatch/core/csql"
	"github.com/relabs-tech/agriwatch/core/failure"
)

// uniqueViolation is the postgres error code for unique_violation
const uniqueViolation = "23505"

// Store is a credential store in the users table
type Store struct {
	db    *csql.DB
	table string
	cost  int
	// dummy is compared against when a username is unknown, so that
	// unknown users and wrong passwords take about the same time.
	dummy []byte
}

// Builder is a builder helper for the Store
type Builder struct {
	// DB is the postgres database. This is mandatory.
	DB *csql.DB
	// Cost is the bcrypt cost. Default is bcrypt.DefaultCost.
	Cost int
}

// New returns a new credential store. It creates the sql table if it does not exist.
func New(b *Builder) *Store {
	if b.DB == nil {
		panic("DB is missing")
	}
	s := &Store{db: b.DB, table: b.DB.Table("users"), cost: b.Cost}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	_, err := s.db.Exec(`CREATE table IF NOT EXISTS ` + s.table + `
(id SERIAL PRIMARY KEY,
username TEXT UNIQUE NOT NULL,
password TEXT NOT NULL
);`)
	if err != nil {
		panic(err)
	}
	s.dummy, err = HashPassword("dummy", s.cost)
	if err != nil {
		panic(err)
	}
	return s
}

// HashPassword returns the bcrypt hash of password
func HashPassword(password string, cost int) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// CheckPassword returns true if password matches hash
func CheckPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Register creates a new user. It fails with InvalidRequest for blank
// credentials and with Conflict if the username is taken.
func (s *Store) Register(ctx context.Context, username, password string) (access.Identity, error) {
	username = strings.TrimSpace(username)
	if len(username) == 0 || len(password) == 0 {
		return access.Identity{}, failure.New(failure.InvalidRequest, "Username and password are required")
	}
	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return access.Identity{}, failure.Wrap(failure.InvalidRequest, "Password cannot be used", err)
	}
	identity := access.Identity{}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO `+s.table+` (username, password) VALUES ($1, $2) RETURNING id, username;`,
		username, string(hash)).Scan(&identity.ID, &identity.Username)
	if isUniqueViolation(err) {
		return access.Identity{}, failure.Wrap(failure.Conflict, "Username already exists", err)
	}
	if err != nil {
		return access.Identity{}, failure.Wrap(failure.Internal, "Registration failed", err)
	}
	return identity, nil
}

// Authenticate returns the identity for username if password matches. Unknown
// users and wrong passwords both fail with the same Unauthenticated error.
func (s *Store) Authenticate(ctx context.Context, username, password string) (access.Identity, error) {
	identity := access.Identity{}
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password FROM `+s.table+` WHERE username=$1;`,
		strings.TrimSpace(username)).Scan(&identity.ID, &identity.Username, &hash)
	if err == csql.ErrNoRows {
		CheckPassword(s.dummy, password)
		return access.Identity{}, failure.New(failure.Unauthenticated, "Invalid credentials")
	}
	if err != nil {
		return access.Identity{}, failure.Wrap(failure.Internal, "Login failed", err)
	}
	if !CheckPassword([]byte(hash), password) {
		return access.Identity{}, failure.New(failure.Unauthenticated, "Invalid credentials")
	}
	return identity, nil
}

// Lookup returns the identity with the given id
func (s *Store) Lookup(ctx context.Context, id int64) (access.Identity, error) {
	identity := access.Identity{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username FROM `+s.table+` WHERE id=$1;`, id).Scan(&identity.ID, &identity.Username)
	if err == csql.ErrNoRows {
		return access.Identity{}, failure.New(failure.NotFound, "User not found")
	}
	if err != nil {
		return access.Identity{}, failure.Wrap(failure.Internal, "Failed to fetch profile", err)
	}
	return identity, nil
}
