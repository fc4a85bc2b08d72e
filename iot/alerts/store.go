package alerts

import (
	"context"

	"github.com/relabs-tech/agriwatch/core/csql"
	"github.com/relabs-tech/agriwatch/core/failure"
)

// Store persists alert records
type Store interface {
	// Insert persists a new Active alert
	Insert(ctx context.Context, alert NewAlert) (Alert, error)
	// ListActive returns up to limit Active alerts, newest first
	ListActive(ctx context.Context, limit int) ([]Alert, error)
	// ListHistory returns all alerts, newest first
	ListHistory(ctx context.Context) ([]Alert, error)
	// MarkHandled sets the handled flag of alert id. transitioned is true if
	// this call changed the flag. It fails with NotFound for an unknown id.
	MarkHandled(ctx context.Context, id int64) (alert Alert, transitioned bool, err error)
}

// PostgresStore is a Store in the alerts table
type PostgresStore struct {
	db    *csql.DB
	table string

	insertQuery      string
	listActiveQuery  string
	listHistoryQuery string
	markHandledQuery string
}

const alertColumns = "id, type, message, timestamp, sensor_data, handled"

// NewPostgresStore returns a new store. It creates the sql table if it does not exist.
func NewPostgresStore(db *csql.DB) *PostgresStore {
	table := db.Table("alerts")
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + table + `
(id SERIAL PRIMARY KEY,
type TEXT NOT NULL,
message TEXT NOT NULL,
timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
sensor_data JSONB,
handled BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE index IF NOT EXISTS alerts_handled_timestamp_index ON ` + table + `(handled, timestamp DESC);`)
	if err != nil {
		panic(err)
	}

	return &PostgresStore{
		db:    db,
		table: table,
		insertQuery: `INSERT INTO ` + table + ` (type, message, timestamp, sensor_data)
VALUES ($1, $2, $3, $4) RETURNING ` + alertColumns + `;`,
		listActiveQuery: `SELECT ` + alertColumns + ` FROM ` + table + `
WHERE handled = FALSE ORDER BY timestamp DESC, id DESC LIMIT $1;`,
		listHistoryQuery: `SELECT ` + alertColumns + ` FROM ` + table + `
ORDER BY timestamp DESC, id DESC;`,
		// the subselect locks the row and yields the flag as it was before
		// this update, concurrent resolves serialize on the lock
		markHandledQuery: `UPDATE ` + table + ` AS a SET handled = TRUE
FROM (SELECT id, handled FROM ` + table + ` WHERE id = $1 FOR UPDATE) AS old
WHERE a.id = old.id
RETURNING a.id, a.type, a.message, a.timestamp, a.sensor_data, a.handled, old.handled;`,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner, extra ...interface{}) (Alert, error) {
	var a Alert
	var sensorData []byte
	dest := append([]interface{}{&a.ID, &a.Type, &a.Message, &a.Timestamp, &sensorData, &a.Handled}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Alert{}, err
	}
	if sensorData != nil {
		a.SensorData = sensorData
	}
	a.Timestamp = a.Timestamp.UTC()
	return a, nil
}

// Insert implements Store
func (s *PostgresStore) Insert(ctx context.Context, alert NewAlert) (Alert, error) {
	// JSONB goes as text, lib/pq would send []byte as bytea
	var sensorData interface{}
	if alert.SensorData != nil {
		sensorData = string(alert.SensorData)
	}
	return scanAlert(s.db.QueryRowContext(ctx, s.insertQuery,
		alert.Type, alert.Message, alert.Timestamp.UTC(), sensorData))
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// ListActive implements Store
func (s *PostgresStore) ListActive(ctx context.Context, limit int) ([]Alert, error) {
	return s.list(ctx, s.listActiveQuery, limit)
}

// ListHistory implements Store
func (s *PostgresStore) ListHistory(ctx context.Context) ([]Alert, error) {
	return s.list(ctx, s.listHistoryQuery)
}

// MarkHandled implements Store
func (s *PostgresStore) MarkHandled(ctx context.Context, id int64) (Alert, bool, error) {
	var wasHandled bool
	a, err := scanAlert(s.db.QueryRowContext(ctx, s.markHandledQuery, id), &wasHandled)
	if err == csql.ErrNoRows {
		return Alert{}, false, failure.New(failure.NotFound, "Alert not found")
	}
	if err != nil {
		return Alert{}, false, err
	}
	return a, !wasHandled, nil
}
