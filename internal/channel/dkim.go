package channel

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emersion/go-msgauth/dkim"
)

// DKIMConfig enables DKIM signing of outgoing email
type DKIMConfig struct {
	Domain   string
	Selector string
	KeyFile  string
}

type dkimSigner struct {
	key      crypto.Signer
	domain   string
	selector string
}

func newDKIMSigner(cfg DKIMConfig) (*dkimSigner, error) {
	key, err := loadSigningKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return &dkimSigner{key: key, domain: cfg.Domain, selector: cfg.Selector}, nil
}

func (s *dkimSigner) sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}

// loadSigningKey reads an RSA or Ed25519 private key in PEM form
func loadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key type %T cannot sign", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// DKIMKey is a freshly generated signing key
type DKIMKey struct {
	Domain   string
	Selector string
	key      *rsa.PrivateKey
}

// GenerateDKIMKey creates a 2048-bit RSA key for domain and selector
func GenerateDKIMKey(domain, selector string) (*DKIMKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &DKIMKey{Domain: domain, Selector: selector, key: key}, nil
}

// Save writes the private key as PKCS#1 PEM with owner-only permissions
func (k *DKIMKey) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.key),
	})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// DNSName returns the name of the TXT record publishing the key
func (k *DKIMKey) DNSName() string {
	return fmt.Sprintf("%s._domainkey.%s", k.Selector, k.Domain)
}

// DNSRecord returns the TXT record value
func (k *DKIMKey) DNSRecord() (string, error) {
	pub, err := x509.MarshalPKIXPublicKey(&k.key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub), nil
}
