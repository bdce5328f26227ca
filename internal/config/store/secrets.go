package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	secretKeyFile = ".secrets.key"
	sealedPrefix  = "sealed:v1:"
)

var errNotSealed = errors.New("config: secret is not sealed")

// secretBox seals backend secrets with XChaCha20-Poly1305. Each sealed value
// carries its own random nonce ahead of the ciphertext.
type secretBox struct {
	aead cipher.AEAD
}

func newSecretBox(key []byte) (*secretBox, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("config: secret key: %w", err)
	}
	return &secretBox{aead: aead}, nil
}

func (b *secretBox) seal(secret string) (string, error) {
	nonceSize := b.aead.NonceSize()
	buf := make([]byte, nonceSize, nonceSize+len(secret)+b.aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("config: secret nonce: %w", err)
	}
	buf = b.aead.Seal(buf, buf[:nonceSize], []byte(secret), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func (b *secretBox) open(stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return "", errNotSealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("config: decode sealed secret: %w", err)
	}
	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize+b.aead.Overhead() {
		return "", errors.New("config: sealed secret truncated")
	}
	plain, err := b.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("config: open sealed secret: %w", err)
	}
	return string(plain), nil
}

// sealPlaintext rewrites every secret this box cannot open, in one
// transaction, and reports how many rows changed. Rows left by writers that
// predate sealing are stored in clear.
func (b *secretBox) sealPlaintext(ctx context.Context, db *sql.DB) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("config: begin secret sealing: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT rowid, secret FROM backends`)
	if err != nil {
		return 0, fmt.Errorf("config: scan secrets: %w", err)
	}
	pending := make(map[int64]string)
	for rows.Next() {
		var (
			rowid int64
			value string
		)
		if err := rows.Scan(&rowid, &value); err != nil {
			rows.Close()
			return 0, fmt.Errorf("config: scan secret: %w", err)
		}
		if _, err := b.open(value); err == nil {
			continue
		}
		sealed, err := b.seal(value)
		if err != nil {
			rows.Close()
			return 0, err
		}
		pending[rowid] = sealed
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("config: scan secrets: %w", err)
	}
	rows.Close()

	if len(pending) == 0 {
		return 0, nil
	}
	for rowid, sealed := range pending {
		if _, err := tx.ExecContext(ctx, `UPDATE backends SET secret = ? WHERE rowid = ?`, sealed, rowid); err != nil {
			return 0, fmt.Errorf("config: seal secret in row %d: %w", rowid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("config: commit secret sealing: %w", err)
	}
	return len(pending), nil
}

// keyPathFor keeps the key beside the database, so a DBPath override moves
// both together.
func keyPathFor(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), secretKeyFile)
}

// readSecretKey returns nil, nil when no key has been installed yet.
func readSecretKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("config: read secret key: %w", err)
	case len(key) != chacha20poly1305.KeySize:
		return nil, fmt.Errorf("config: secret key %s is %d bytes, want %d", path, len(key), chacha20poly1305.KeySize)
	}
	return key, nil
}

// installSecretKey generates a key and hard-links it into place. Openers that
// race here all end up with whichever key was linked first.
func installSecretKey(path string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("config: generate secret key: %w", err)
	}

	// CreateTemp opens with mode 0600, which the link inherits.
	tmp, err := os.CreateTemp(filepath.Dir(path), secretKeyFile+".*")
	if err != nil {
		return nil, fmt.Errorf("config: stage secret key: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(key)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("config: stage secret key: %w", err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return readSecretKey(path)
		}
		return nil, fmt.Errorf("config: install secret key: %w", err)
	}
	return key, nil
}

// openSecretBox loads the key for dbPath. A writable store installs a key on
// first use and seals any clear-text secrets; it refuses to replace a lost key
// while sealed secrets remain. A read-only store without a usable key opens
// with a nil box and fails only when a secret is read.
func openSecretBox(ctx context.Context, db *sql.DB, dbPath string, readOnly bool) (*secretBox, error) {
	path := keyPathFor(dbPath)
	key, err := readSecretKey(path)

	if readOnly {
		if err != nil {
			log.Printf("[Config] WARNING: secret key unavailable (read-only): %v", err)
			return nil, nil
		}
		if key == nil {
			return nil, nil
		}
		return newSecretBox(key)
	}
	if err != nil {
		return nil, err
	}

	if key == nil {
		var sealed int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM backends WHERE secret LIKE ?`, sealedPrefix+"%",
		).Scan(&sealed); err != nil {
			return nil, fmt.Errorf("config: count sealed secrets: %w", err)
		}
		if sealed > 0 {
			return nil, fmt.Errorf("config: secret key %s is missing but %d backend secret(s) are sealed with it; restore the key file or remove the backends", path, sealed)
		}
		if key, err = installSecretKey(path); err != nil {
			return nil, err
		}
	}

	box, err := newSecretBox(key)
	if err != nil {
		return nil, err
	}
	n, err := box.sealPlaintext(ctx, db)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Printf("[Config] Sealed %d clear-text backend secret(s)", n)
	}
	return box, nil
}
