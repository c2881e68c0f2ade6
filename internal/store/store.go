package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rackworks/locksim/internal/infrastructure/database"
	"github.com/rackworks/locksim/internal/shadow"
)

// Profile is one cloud account configuration. Region identifies the
// control-plane endpoint; Endpoint is the discovered per-account data
// endpoint and stays empty until discovery runs.
type Profile struct {
	Name      string
	Region    string
	Endpoint  string
	Active    bool
	CreatedAt time.Time
}

// Store persists the local device registry, last-known shadow states, and
// cloud profiles on top of the SQLite database. It also resolves certificate
// file paths, which makes it the credential source for the connection layer.
//
// Thread Safety:
//   - Safe for concurrent use; SQLite serialises writers and the underlying
//     pool is limited to a single connection.
type Store struct {
	db       *database.DB
	certsDir string
}

// New creates a store backed by an open database.
//
// Parameters:
//   - db: Open database handle (schema already applied)
//   - certsDir: Directory holding certificate material (ca.pem plus
//     per-device cert and key files)
//
// Returns:
//   - *Store: Ready-to-use store
func New(db *database.DB, certsDir string) *Store {
	return &Store{db: db, certsDir: certsDir}
}

// CertPath returns the certificate path for a device: the recorded path if
// one exists, otherwise the deterministic {certsDir}/{deviceId}.pem layout.
func (s *Store) CertPath(deviceID string) string {
	var path string
	err := s.db.QueryRow(
		`SELECT cert_path FROM devices WHERE id = ?`, deviceID,
	).Scan(&path)
	if err != nil || path == "" {
		return filepath.Join(s.certsDir, deviceID+".pem")
	}
	return path
}

// KeyPath returns the private key path for a device: the recorded path if
// one exists, otherwise the deterministic {certsDir}/{deviceId}-key.pem
// layout.
func (s *Store) KeyPath(deviceID string) string {
	var path string
	err := s.db.QueryRow(
		`SELECT key_path FROM devices WHERE id = ?`, deviceID,
	).Scan(&path)
	if err != nil || path == "" {
		return filepath.Join(s.certsDir, deviceID+"-key.pem")
	}
	return path
}

// CAPath returns the shared broker CA certificate path.
func (s *Store) CAPath() string {
	return filepath.Join(s.certsDir, "ca.pem")
}

// CertsDir returns the certificate material directory.
func (s *Store) CertsDir() string {
	return s.certsDir
}

// AddDevice registers a device locally, recording where its certificate
// material lives. Re-adding an existing device updates the recorded paths.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - deviceID: The device identifier (thing name)
//   - certPath: Certificate file path (may be empty for the default layout)
//   - keyPath: Private key file path (may be empty for the default layout)
//
// Returns:
//   - error: If the write fails
func (s *Store) AddDevice(ctx context.Context, deviceID, certPath, keyPath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, cert_path, key_path) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET cert_path = excluded.cert_path, key_path = excluded.key_path`,
		deviceID, certPath, keyPath,
	)
	if err != nil {
		return fmt.Errorf("adding device %s: %w", deviceID, err)
	}
	return nil
}

// RemoveDevice deletes a device's local record along with its saved state.
// Removing an unknown device returns ErrDeviceNotFound.
func (s *Store) RemoveDevice(ctx context.Context, deviceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("removing device %s: %w", deviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("removing device %s: %w", deviceID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return nil
}

// ListLocalDevices returns all locally registered device identifiers in
// insertion order.
func (s *Store) ListLocalDevices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM devices ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}
	return ids, nil
}

// SaveLastState upserts the last-known shadow state for a device as a JSON
// document. The device must already be registered (foreign key).
func (s *Store) SaveLastState(ctx context.Context, deviceID string, state shadow.Delta) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", deviceID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_states (device_id, state, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(device_id) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP`,
		deviceID, string(doc),
	)
	if err != nil {
		return fmt.Errorf("saving state for %s: %w", deviceID, err)
	}
	return nil
}

// LoadLastState returns the saved shadow state for a device, or nil when no
// state has been saved yet.
func (s *Store) LoadLastState(ctx context.Context, deviceID string) (*shadow.Delta, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM device_states WHERE device_id = ?`, deviceID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", deviceID, err)
	}

	var state shadow.Delta
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, fmt.Errorf("decoding state for %s: %w", deviceID, err)
	}
	return &state, nil
}

// SaveProfile upserts a cloud profile. When active is true every other
// profile is deactivated first; at most one profile is active.
func (s *Store) SaveProfile(ctx context.Context, profile Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving profile %s: %w", profile.Name, err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if profile.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE profiles SET active = 0`); err != nil {
			return fmt.Errorf("deactivating profiles: %w", err)
		}
	}

	active := 0
	if profile.Active {
		active = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (name, region, endpoint, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			region = excluded.region,
			endpoint = excluded.endpoint,
			active = excluded.active`,
		profile.Name, profile.Region, profile.Endpoint, active,
	)
	if err != nil {
		return fmt.Errorf("saving profile %s: %w", profile.Name, err)
	}
	return tx.Commit()
}

// ActiveProfile returns the currently active profile, or ErrNoActiveProfile
// when none is marked active.
func (s *Store) ActiveProfile(ctx context.Context) (Profile, error) {
	var p Profile
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT name, region, endpoint, active, created_at
		FROM profiles WHERE active = 1 LIMIT 1`,
	).Scan(&p.Name, &p.Region, &p.Endpoint, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNoActiveProfile
	}
	if err != nil {
		return Profile{}, fmt.Errorf("loading active profile: %w", err)
	}
	p.Active = active == 1
	return p, nil
}

// SetEndpoint records the discovered data endpoint on the active profile.
func (s *Store) SetEndpoint(ctx context.Context, endpoint string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET endpoint = ? WHERE active = 1`, endpoint)
	if err != nil {
		return fmt.Errorf("setting endpoint: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting endpoint: %w", err)
	}
	if affected == 0 {
		return ErrNoActiveProfile
	}
	return nil
}
