package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/onnwee/streambridge/crypto"
)

// Postgres stores secrets in the secrets table. When ENCRYPTION_KEY is set,
// values are encrypted with AES-256-GCM before storage; encryption_version
// distinguishes plaintext rows (0) from encrypted rows (1) so existing
// deployments keep working after enabling encryption.
type Postgres struct {
	DB *sql.DB

	encOnce sync.Once
	enc     crypto.Encryptor
	encErr  error
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db}
}

func (s *Postgres) encryptor() (crypto.Encryptor, error) {
	s.encOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, secrets will be stored in plaintext (not recommended for production)",
				slog.String("component", "tokenstore"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			s.encErr = fmt.Errorf("initialize encryption: %w", err)
			return
		}
		s.enc = enc
		slog.Info("secret encryption enabled (AES-256-GCM)", slog.String("component", "tokenstore"))
	})
	return s.enc, s.encErr
}

func (s *Postgres) Set(ctx context.Context, service, account, value string) error {
	enc, err := s.encryptor()
	if err != nil {
		return err
	}
	encVersion := 0
	toStore := value
	if enc != nil {
		encVersion = 1
		toStore, err = crypto.EncryptString(enc, value)
		if err != nil {
			return fmt.Errorf("encrypt secret: %w", err)
		}
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO secrets(service, account, value, encryption_version, updated_at)
		VALUES($1,$2,$3,$4,NOW())
		ON CONFLICT(service, account) DO UPDATE SET
		  value=EXCLUDED.value,
		  encryption_version=EXCLUDED.encryption_version,
		  updated_at=NOW()`, service, account, toStore, encVersion)
	return err
}

func (s *Postgres) Get(ctx context.Context, service, account string) (string, bool, error) {
	var value string
	var encVersion int
	row := s.DB.QueryRowContext(ctx,
		`SELECT value, COALESCE(encryption_version, 0) FROM secrets WHERE service=$1 AND account=$2`,
		service, account)
	if err := row.Scan(&value, &encVersion); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	if encVersion == 1 {
		enc, err := s.encryptor()
		if err != nil {
			return "", false, err
		}
		if enc == nil {
			return "", false, fmt.Errorf("secret is encrypted but ENCRYPTION_KEY is not configured")
		}
		dec, err := crypto.DecryptString(enc, value)
		if err != nil {
			return "", false, fmt.Errorf("decrypt secret: %w", err)
		}
		value = dec
	}
	return value, true, nil
}

func (s *Postgres) Delete(ctx context.Context, service, account string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM secrets WHERE service=$1 AND account=$2`, service, account)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
