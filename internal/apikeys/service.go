package apikeys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"follower-platform/internal/database"
	"follower-platform/internal/vault"
)

var (
	// ErrNoCredentials indicates the user has no exchange credentials on file
	ErrNoCredentials = errors.New("no exchange credentials on file")

	// ErrEncryptionKeyMissing indicates ENCRYPTION_KEY is not configured, so
	// stored credentials cannot be encrypted or decrypted
	ErrEncryptionKeyMissing = errors.New("encryption key not configured")
)

// CredentialStore is the ledger surface the service reads and writes
// encrypted credentials through.
type CredentialStore interface {
	GetUser(ctx context.Context, userID string) (*database.FollowerUser, error)
	StoreEncryptedCredentials(ctx context.Context, userID, encryptedKey, encryptedSecret string) error
	ClearCredentials(ctx context.Context, userID string) error
}

// Service provides access to per-user exchange credentials. Credentials are
// AES-256-GCM encrypted at rest in the database; when a Vault client is
// configured it is consulted first and the database copy acts as a fallback.
// There is no global or admin key to fall back to.
type Service struct {
	store         CredentialStore
	vault         *vault.Client // optional, nil means database-only
	encryptionKey []byte
	keyConfigured bool
	onRotate      func(userID string)
	logger        zerolog.Logger
}

// NewService creates a new credential service. The encryption key is derived
// from the ENCRYPTION_KEY environment variable, padded or truncated to 32
// bytes. When the variable is unset the service starts degraded: stored
// credentials cannot be read and balance reconciliation stays disabled.
func NewService(store CredentialStore, vaultClient *vault.Client, logger zerolog.Logger) *Service {
	raw := os.Getenv("ENCRYPTION_KEY")
	configured := raw != ""

	log := logger.With().Str("component", "APIKeyService").Logger()
	if !configured {
		log.Error().Msg("ENCRYPTION_KEY is not set, exchange credentials cannot be decrypted and balance reconciliation is disabled")
	}

	return &Service{
		store:         store,
		vault:         vaultClient,
		encryptionKey: deriveKey(raw),
		keyConfigured: configured,
		logger:        log,
	}
}

// deriveKey pads or truncates the raw key material to the 32 bytes AES-256
// requires.
func deriveKey(raw string) []byte {
	key := []byte(raw)
	if len(key) < 32 {
		padding := make([]byte, 32-len(key))
		key = append(key, padding...)
	} else if len(key) > 32 {
		key = key[:32]
	}
	return key
}

// KeyConfigured reports whether an encryption key is available. Callers use
// this to decide whether exchange-backed features can run at all.
func (s *Service) KeyConfigured() bool {
	return s.keyConfigured
}

// SetRotationHook registers a callback invoked after credentials are stored or
// deleted. The exchange client factory uses it to drop cached clients so a
// rotated key takes effect on the next call instead of after the cache TTL.
func (s *Service) SetRotationHook(hook func(userID string)) {
	s.onRotate = hook
}

// GetCredentials returns a user's decrypted exchange credentials. Vault is
// consulted first when configured; on a miss the encrypted database columns
// are decrypted. Returns ErrNoCredentials when the user has none on file.
func (s *Service) GetCredentials(ctx context.Context, userID string) (apiKey, apiSecret string, err error) {
	if s.vault != nil {
		creds, vaultErr := s.vault.GetCredentials(ctx, userID)
		if vaultErr == nil {
			return creds.APIKey, creds.APISecret, nil
		}
		// A miss against the disabled-mode cache is routine in dev
		if s.vault.IsEnabled() {
			s.logger.Warn().Err(vaultErr).Str("user_id", userID).Msg("Vault lookup failed, falling back to database credentials")
		}
	}

	if !s.keyConfigured {
		return "", "", ErrEncryptionKeyMissing
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", "", fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	if user == nil {
		return "", "", fmt.Errorf("user %s not found", userID)
	}
	if !user.CredentialsSet() {
		return "", "", ErrNoCredentials
	}

	return s.DecryptCredentials(*user.APIKeyEncrypted, *user.APISecretEncrypted)
}

// StoreCredentials encrypts and persists a user's exchange credentials. The
// encrypted pair always lands in the database so eligibility checks see it;
// when Vault is enabled the plaintext pair is mirrored there as well.
func (s *Service) StoreCredentials(ctx context.Context, userID, apiKey, apiSecret string) error {
	if apiKey == "" || apiSecret == "" {
		return fmt.Errorf("api key and secret are both required")
	}
	if !s.keyConfigured {
		return ErrEncryptionKeyMissing
	}

	encryptedKey, err := s.EncryptCredential(apiKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt api key: %w", err)
	}
	encryptedSecret, err := s.EncryptCredential(apiSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt api secret: %w", err)
	}

	if err := s.store.StoreEncryptedCredentials(ctx, userID, encryptedKey, encryptedSecret); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	if s.vault != nil {
		creds := &vault.Credentials{APIKey: apiKey, APISecret: apiSecret}
		if err := s.vault.StoreCredentials(ctx, userID, creds); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to mirror credentials to Vault, database copy remains authoritative")
		}
	}

	if s.onRotate != nil {
		s.onRotate(userID)
	}

	s.logger.Info().Str("user_id", userID).Msg("Exchange credentials updated")
	return nil
}

// DeleteCredentials removes a user's exchange credentials from the database
// and, when enabled, from Vault.
func (s *Service) DeleteCredentials(ctx context.Context, userID string) error {
	if err := s.store.ClearCredentials(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}

	if s.vault != nil {
		if err := s.vault.DeleteCredentials(ctx, userID); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to delete credentials from Vault")
		}
	}

	if s.onRotate != nil {
		s.onRotate(userID)
	}

	s.logger.Info().Str("user_id", userID).Msg("Exchange credentials removed")
	return nil
}

// DecryptCredentials decrypts an encrypted api key and secret pair
func (s *Service) DecryptCredentials(encryptedKey, encryptedSecret string) (apiKey, apiSecret string, err error) {
	apiKey, err = s.DecryptCredential(encryptedKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt api key: %w", err)
	}
	apiSecret, err = s.DecryptCredential(encryptedSecret)
	if err != nil {
		return "", "", fmt.Errorf("failed to decrypt api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// EncryptCredential encrypts a credential with AES-256-GCM. The output is
// base64 with the random nonce prefixed to the ciphertext.
func (s *Service) EncryptCredential(plaintext string) (string, error) {
	if !s.keyConfigured {
		return "", ErrEncryptionKeyMissing
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptCredential decrypts an AES-256-GCM encrypted credential
func (s *Service) DecryptCredential(ciphertext string) (string, error) {
	if !s.keyConfigured {
		return "", ErrEncryptionKeyMissing
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
