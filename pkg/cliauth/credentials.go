package cliauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CredentialsVersion is the current credential file format.
const CredentialsVersion = "v1"

var ErrUnsupportedVersion = errors.New("cliauth: unsupported credentials version")

// Credentials is the file written after a successful sign-in.
type Credentials struct {
	Version      string             `json:"version"`
	SessionToken string             `json:"session_token"`
	Identity     CredentialIdentity `json:"identity"`
	APIURL       string             `json:"api_url"`
}

// CredentialIdentity is who the session belongs to.
type CredentialIdentity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// WriteCredentials stores c at path, readable by the owner only.
func WriteCredentials(path string, c *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cliauth: failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("cliauth: failed to write credentials: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("cliauth: failed to write credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("cliauth: failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cliauth: failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cliauth: failed to write credentials: %w", err)
	}
	return nil
}

// ReadCredentials loads the credential file at path.
func ReadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("cliauth: malformed credentials file: %w", err)
	}
	if c.Version != CredentialsVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, c.Version)
	}
	return &c, nil
}
