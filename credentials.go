package sendpool

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rbaliyan/sendpool/store"
	"golang.org/x/crypto/chacha20poly1305"
)

// CredentialKeySize is the length of the key passed to WithCredentialKey.
const CredentialKeySize = chacha20poly1305.KeySize

// sealedPrefix marks an SMTP password sealed with the credential key.
const sealedPrefix = "sealed:v1:"

const sealedVersion byte = 0x01

// ErrCredentialDecrypt is returned when a sealed password cannot be opened,
// usually because the credential key changed.
var ErrCredentialDecrypt = errors.New("sendpool: cannot decrypt smtp credentials")

// credentialAAD binds a sealed password to the mailbox it belongs to, so a
// ciphertext copied onto another record fails to open.
func credentialAAD(orgID, email string) []byte {
	return []byte(orgID + "\x00" + strings.ToLower(email))
}

// IsSealed reports whether password was sealed by the service.
func IsSealed(password string) bool {
	return strings.HasPrefix(password, sealedPrefix)
}

// sealPassword encrypts password with XChaCha20-Poly1305.
// Layout before base64: version | nonce | ciphertext+tag.
func sealPassword(key []byte, orgID, email, password string) (string, error) {
	if password == "" || IsSealed(password) {
		return password, nil
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(password)+aead.Overhead())
	out[0] = sealedVersion
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(password), credentialAAD(orgID, email))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

func openPassword(key []byte, orgID, email, sealed string) (string, error) {
	if !IsSealed(sealed) {
		return sealed, nil
	}
	if len(key) == 0 {
		return "", ErrCredentialKeyRequired
	}
	blob, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialDecrypt, err)
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || blob[0] != sealedVersion {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrCredentialDecrypt)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], credentialAAD(orgID, email))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialDecrypt, err)
	}
	return string(plain), nil
}

// SMTPCredentials returns the mailbox's SMTP configuration with the password
// decrypted. Passwords stored before a credential key was configured are
// returned as they are.
func (s *service) SMTPCredentials(ctx context.Context, orgID, mailboxID string) (store.SMTPConfig, error) {
	m, err := s.GetMailbox(ctx, orgID, mailboxID)
	if err != nil {
		return store.SMTPConfig{}, err
	}
	cfg := m.SMTP
	cfg.Password, err = openPassword(s.opts.credentialKey, m.OrgID, m.Email, cfg.Password)
	if err != nil {
		return store.SMTPConfig{}, err
	}
	return cfg, nil
}
