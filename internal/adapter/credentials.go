package adapter

import (
	"context"
	"os"
	"strings"
)

// Credentials are decrypted API keys of one exchange account.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// String never prints secrets.
func (c Credentials) String() string {
	return "Credentials{APIKey:" + mask(c.APIKey) + "}"
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// CredentialStore returns decrypted credentials, or nil when the account has
// none or they cannot be decrypted.
type CredentialStore interface {
	GetDecryptedCredentials(ctx context.Context, accountID string) (*Credentials, error)
}

// EnvCredentialStore reads AGENTD_CRED_<ACCOUNT>_KEY, _SECRET and _PASSPHRASE,
// where <ACCOUNT> is the account id uppercased with non alphanumerics as '_'.
type EnvCredentialStore struct {
	lookup func(string) (string, bool)
}

// NewEnvCredentialStore reads from the process environment.
func NewEnvCredentialStore() *EnvCredentialStore {
	return &EnvCredentialStore{lookup: os.LookupEnv}
}

func envPrefix(accountID string) string {
	var b strings.Builder
	b.WriteString("AGENTD_CRED_")
	for _, r := range strings.ToUpper(accountID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	return b.String()
}

func (s *EnvCredentialStore) GetDecryptedCredentials(_ context.Context, accountID string) (*Credentials, error) {
	prefix := envPrefix(accountID)
	key, ok := s.lookup(prefix + "KEY")
	if !ok || key == "" {
		return nil, nil
	}
	secret, _ := s.lookup(prefix + "SECRET")
	passphrase, _ := s.lookup(prefix + "PASSPHRASE")
	return &Credentials{APIKey: key, APISecret: secret, Passphrase: passphrase}, nil
}

// StaticCredentialStore serves credentials from memory.
type StaticCredentialStore map[string]Credentials

func (s StaticCredentialStore) GetDecryptedCredentials(_ context.Context, accountID string) (*Credentials, error) {
	creds, ok := s[accountID]
	if !ok {
		return nil, nil
	}
	return &creds, nil
}
