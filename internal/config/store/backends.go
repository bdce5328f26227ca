package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nupi-ai/proxyscope/internal/telemetry"
)

// BackendTarget is a stored control API endpoint.
type BackendTarget struct {
	URL       string `json:"url"`
	Secret    string `json:"-"`
	Current   bool   `json:"current"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Backend converts the stored target into the resolver's view of it.
func (b BackendTarget) Backend() *telemetry.Backend {
	return &telemetry.Backend{URL: b.URL, Secret: b.Secret}
}

// NormalizeBackendURL validates a control API base URL and strips any
// trailing slash so the same daemon is never stored twice.
func NormalizeBackendURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("config: backend url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("config: parse backend url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("config: backend url %q must use http, https, ws or wss", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("config: backend url %q has no host", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}

// SaveBackend inserts or updates a backend target and its secret.
func (s *Store) SaveBackend(ctx context.Context, rawURL, secret string) (BackendTarget, error) {
	if s.readOnly {
		return BackendTarget{}, fmt.Errorf("config: save backend: %w", ErrReadOnly)
	}
	target, err := NormalizeBackendURL(rawURL)
	if err != nil {
		return BackendTarget{}, err
	}
	sealed, err := s.secrets.seal(secret)
	if err != nil {
		return BackendTarget{}, err
	}

	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO backends (url, secret)
        VALUES (?, ?)
        ON CONFLICT(url) DO UPDATE SET
            secret = excluded.secret,
            updated_at = `+nowExpr+`
    `, target, sealed); err != nil {
		return BackendTarget{}, fmt.Errorf("config: save backend %q: %w", target, err)
	}

	return s.GetBackend(ctx, target)
}

// ListBackends returns every stored target ordered by URL, secrets decrypted.
func (s *Store) ListBackends(ctx context.Context) ([]BackendTarget, error) {
	current, err := s.CurrentBackendURL(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT url, secret, created_at, updated_at
        FROM backends
        ORDER BY url
    `)
	if err != nil {
		return nil, fmt.Errorf("config: list backends: %w", err)
	}
	defer rows.Close()

	var targets []BackendTarget
	for rows.Next() {
		target, err := s.scanBackend(rows)
		if err != nil {
			return nil, err
		}
		target.Current = target.URL == current
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate backends: %w", err)
	}
	return targets, nil
}

// GetBackend returns one stored target.
func (s *Store) GetBackend(ctx context.Context, rawURL string) (BackendTarget, error) {
	target, err := NormalizeBackendURL(rawURL)
	if err != nil {
		return BackendTarget{}, err
	}

	row := s.db.QueryRowContext(ctx, `
        SELECT url, secret, created_at, updated_at
        FROM backends
        WHERE url = ?
    `, target)
	backend, err := s.scanBackend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BackendTarget{}, NotFoundError{Entity: "backend", Key: target}
	}
	if err != nil {
		return BackendTarget{}, err
	}

	current, err := s.CurrentBackendURL(ctx)
	if err != nil {
		return BackendTarget{}, err
	}
	backend.Current = backend.URL == current
	return backend, nil
}

// DeleteBackend removes a target. Deleting the current target clears the
// selection.
func (s *Store) DeleteBackend(ctx context.Context, rawURL string) error {
	if s.readOnly {
		return fmt.Errorf("config: delete backend: %w", ErrReadOnly)
	}
	target, err := NormalizeBackendURL(rawURL)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM backends WHERE url = ?`, target)
		if err != nil {
			return fmt.Errorf("config: delete backend %q: %w", target, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return NotFoundError{Entity: "backend", Key: target}
		}
		if _, err := tx.ExecContext(ctx, `
            DELETE FROM settings WHERE key = ? AND value = ?
        `, settingCurrentBackend, target); err != nil {
			return fmt.Errorf("config: clear current backend: %w", err)
		}
		return nil
	})
}

// SetCurrentBackend selects the target the resolver connects to.
func (s *Store) SetCurrentBackend(ctx context.Context, rawURL string) error {
	if s.readOnly {
		return fmt.Errorf("config: set current backend: %w", ErrReadOnly)
	}
	target, err := NormalizeBackendURL(rawURL)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM backends WHERE url = ?`, target).Scan(&exists); err != nil {
			return fmt.Errorf("config: lookup backend %q: %w", target, err)
		}
		if exists == 0 {
			return NotFoundError{Entity: "backend", Key: target}
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO settings (key, value)
            VALUES (?, ?)
            ON CONFLICT(key) DO UPDATE SET
                value = excluded.value,
                updated_at = `+nowExpr+`
        `, settingCurrentBackend, target); err != nil {
			return fmt.Errorf("config: set current backend: %w", err)
		}
		return nil
	})
}

// CurrentBackendURL returns the selected target URL, or "" when none is set.
func (s *Store) CurrentBackendURL(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, settingCurrentBackend).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("config: load current backend: %w", err)
	}
	return value, nil
}

// CurrentBackend implements telemetry.BackendSource. It returns nil, nil
// when nothing is selected.
func (s *Store) CurrentBackend(ctx context.Context) (*telemetry.Backend, error) {
	current, err := s.CurrentBackendURL(ctx)
	if err != nil || current == "" {
		return nil, err
	}
	target, err := s.GetBackend(ctx, current)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return target.Backend(), nil
}

func (s *Store) scanBackend(scanner rowScanner) (BackendTarget, error) {
	var (
		target BackendTarget
		raw    string
	)
	if err := scanner.Scan(&target.URL, &raw, &target.CreatedAt, &target.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BackendTarget{}, err
		}
		return BackendTarget{}, fmt.Errorf("config: scan backend: %w", err)
	}
	if s.secrets == nil {
		return BackendTarget{}, fmt.Errorf("config: backend %s: secret key unavailable", target.URL)
	}
	secret, err := s.secrets.open(raw)
	if err != nil {
		return BackendTarget{}, fmt.Errorf("config: backend %s: %w", target.URL, err)
	}
	target.Secret = secret
	return target, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
