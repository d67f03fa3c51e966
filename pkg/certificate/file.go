package certificate

import (
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads an identity previously written by Save.
//
//	cert, err := certificate.Load(os.ExpandEnv("$HOME/.hebe/identity.json"))
func Load(path string) (*Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var c Certificate
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &c, nil
}

// Save writes the identity as JSON with owner-only permissions, creating the
// parent directory if needed.
func (c *Certificate) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WritePEM exports cert.pem and key.pem into dir, armored for use with
// openssl and similar tooling.
func (c *Certificate) WritePEM(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir %q: %w", dir, err)
	}

	write := func(name, blockType, b64 string, perm os.FileMode) error {
		der, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
		if err := os.WriteFile(filepath.Join(dir, name), data, perm); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}

	if err := write("cert.pem", "CERTIFICATE", c.PEM, 0o644); err != nil {
		return err
	}
	return write("key.pem", "PRIVATE KEY", c.PrivateKey, 0o600)
}
