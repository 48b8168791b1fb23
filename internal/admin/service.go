// Package admin implements the device-key admin plane: a small
// bearer-token-protected API for provisioning and revoking rows in the
// SQL-backed auth plugin's table. It is a direct rename/adaptation of the
// original domain-registration plane (ent + Postgres domains) onto
// device keys backed by database/sql + MySQL, since the SQL-backed
// plugin (internal/auth/sqlplugin) reads exactly this table.
package admin

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ctrlgate/ctrlgate/internal/logging"
)

// Device mirrors one row of the device-key table.
type Device struct {
	DeviceKey string
	Memo      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeviceService is the business-logic interface behind the admin HTTP
// handlers, mirroring a DomainService-style shape.
type DeviceService interface {
	// RegisterDevice creates a new row with a freshly generated device
	// key and returns it.
	RegisterDevice(ctx context.Context, memo string) (deviceKey string, err error)

	// RevokeDevice deletes the row for deviceKey. Returns ErrDeviceNotFound
	// if no such row exists.
	RevokeDevice(ctx context.Context, deviceKey string) error

	// DeviceExists reports whether deviceKey has a row.
	DeviceExists(ctx context.Context, deviceKey string) (bool, error)

	// GetDevice returns the full row for deviceKey, or ErrDeviceNotFound.
	GetDevice(ctx context.Context, deviceKey string) (*Device, error)
}

// sqlDeviceService implements DeviceService directly against
// database/sql, since there is no generated ORM client in this build
// (see DESIGN.md on the dropped ent dependency).
type sqlDeviceService struct {
	logger logging.Logger
	db     *sql.DB
	table  string
}

// NewSQLDeviceService constructs a DeviceService backed by db, operating
// on table (which must already exist with columns device_key, memo,
// created_at, updated_at).
func NewSQLDeviceService(logger logging.Logger, db *sql.DB, table string) DeviceService {
	return &sqlDeviceService{
		logger: logger.With(logging.Fields{"component": "device_service"}),
		db:     db,
		table:  table,
	}
}

func (s *sqlDeviceService) RegisterDevice(ctx context.Context, memo string) (string, error) {
	key, err := generateDeviceKey(48)
	if err != nil {
		return "", fmt.Errorf("generate device key: %w", err)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (device_key, memo, created_at, updated_at) VALUES (?, ?, NOW(), NOW())",
		s.table,
	)
	if _, err := s.db.ExecContext(ctx, query, key, memo); err != nil {
		s.logger.Error("failed to register device", logging.Fields{"error": err.Error()})
		return "", fmt.Errorf("register device: %w", err)
	}

	s.logger.Info("device registered", logging.Fields{"device_key_masked": maskKey(key)})
	return key, nil
}

func (s *sqlDeviceService) RevokeDevice(ctx context.Context, deviceKey string) error {
	key := strings.TrimSpace(deviceKey)
	if key == "" {
		return ErrInvalidDeviceKey
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE device_key = ?", s.table)
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		s.logger.Error("failed to revoke device", logging.Fields{"error": err.Error()})
		return fmt.Errorf("revoke device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}

	s.logger.Info("device revoked", logging.Fields{"device_key_masked": maskKey(key)})
	return nil
}

func (s *sqlDeviceService) DeviceExists(ctx context.Context, deviceKey string) (bool, error) {
	key := strings.TrimSpace(deviceKey)
	if key == "" {
		return false, ErrInvalidDeviceKey
	}

	var exists int
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE device_key = ? LIMIT 1", s.table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check device existence: %w", err)
	default:
		return true, nil
	}
}

func (s *sqlDeviceService) GetDevice(ctx context.Context, deviceKey string) (*Device, error) {
	key := strings.TrimSpace(deviceKey)
	if key == "" {
		return nil, ErrInvalidDeviceKey
	}

	query := fmt.Sprintf("SELECT device_key, memo, created_at, updated_at FROM %s WHERE device_key = ?", s.table)
	row := s.db.QueryRowContext(ctx, query, key)

	var d Device
	if err := row.Scan(&d.DeviceKey, &d.Memo, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// generateDeviceKey returns a random hex string of the given character
// length, following the generateClientAPIKey shape it replaces.
func generateDeviceKey(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid key length: %d", length)
	}
	byteLen := (length + 1) / 2
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	s := hex.EncodeToString(b)
	if len(s) > length {
		s = s[:length]
	}
	return s, nil
}

func maskKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

var (
	// ErrInvalidDeviceKey means a device key argument was empty.
	ErrInvalidDeviceKey = errors.New("invalid device key")

	// ErrDeviceNotFound means no row exists for the given device key.
	ErrDeviceNotFound = errors.New("device not found")
)
