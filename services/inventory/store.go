package inventory

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pcdeploy/pkg/db"
)

// Store reads PC master records from Postgres. It never writes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store over the provided pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &Store{pool: pool}, nil
}

// Resolve looks up a machine by serial. A missing row is reported with
// ok=false and a nil error.
func (s *Store) Resolve(ctx context.Context, serial string) (MachineRecord, bool, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return MachineRecord{}, false, nil
	}

	var rec MachineRecord
	err := db.Get(ctx, s.pool, &rec, `
SELECT serial, pcname, COALESCE(odj_path, '') AS odj_path, COALESCE(mac_address, '') AS mac_address, created_at, updated_at
FROM pc_master
WHERE serial = $1
`, serial)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MachineRecord{}, false, nil
		}
		return MachineRecord{}, false, err
	}
	return rec, true, nil
}

// Count returns the number of registered machines.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.Get(ctx, s.pool, &n, `SELECT COUNT(*) FROM pc_master`); err != nil {
		return 0, err
	}
	return n, nil
}
