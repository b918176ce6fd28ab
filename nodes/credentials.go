package nodes

import (
	"os"
	"strings"
)

// CredentialSource resolves provider secrets by name.
type CredentialSource interface {
	Lookup(name string) (string, bool)
}

// EnvCredentials reads secrets from process environment variables.
type EnvCredentials struct{}

// Lookup implements CredentialSource.
func (EnvCredentials) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// MapCredentials serves secrets from a fixed map.
type MapCredentials map[string]string

// Lookup implements CredentialSource.
func (m MapCredentials) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// ChainCredentials tries each source in order. A blank value falls
// through to the next source.
type ChainCredentials []CredentialSource

// Lookup implements CredentialSource.
func (c ChainCredentials) Lookup(name string) (string, bool) {
	for _, src := range c {
		if src == nil {
			continue
		}
		if v, ok := src.Lookup(name); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

// lookupCredential returns the first non-blank secret among names.
func lookupCredential(src CredentialSource, names []string) (string, bool) {
	for _, name := range names {
		if v, ok := src.Lookup(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}
