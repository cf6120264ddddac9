package store

import (
	"context"
	"database/sql"

	"github.com/teresa-solution/agency-provisioning-service/internal/crypto"
)

// SecretRepository stores tenant credentials encrypted with AES-GCM. Rows
// are addressed by a reference string kept in the registry.
type SecretRepository struct {
	db     *sql.DB
	cipher *crypto.Cipher
}

// NewSecretRepository creates a SecretRepository
func NewSecretRepository(db *sql.DB, cipher *crypto.Cipher) *SecretRepository {
	return &SecretRepository{db: db, cipher: cipher}
}

// Get decrypts the secret stored under ref.
func (r *SecretRepository) Get(ctx context.Context, ref string) (string, error) {
	var ciphertext, nonce []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT ciphertext, nonce FROM tenant_secrets WHERE ref = $1`, ref,
	).Scan(&ciphertext, &nonce)
	if err != nil {
		return "", classify("get secret", err)
	}
	plain, err := r.cipher.Decrypt(ciphertext, nonce)
	if err != nil {
		return "", &Error{Kind: KindInfra, Op: "get secret", Err: err}
	}
	return plain, nil
}

// Put encrypts value and upserts it under ref.
func (r *SecretRepository) Put(ctx context.Context, ref, value string) error {
	ciphertext, nonce, err := r.cipher.Encrypt(value)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tenant_secrets (ref, ciphertext, nonce)
		VALUES ($1, $2, $3)
		ON CONFLICT (ref) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, nonce = EXCLUDED.nonce, updated_at = now()
	`
	_, err = r.db.ExecContext(ctx, query, ref, ciphertext, nonce)
	return classify("put secret", err)
}
