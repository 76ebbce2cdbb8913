// Package keychain stores development signing identities in the OS
// credential store, or an encrypted file vault where none is available.
package keychain

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/apex/log"

	"github.com/aluedeke/go-provision/pkg/codesign"
	"github.com/aluedeke/go-provision/pkg/provision"
)

const (
	// ServiceName is the keychain service identities are stored under.
	ServiceName = "go-provision"
	keyPrefix   = "identity:"
)

// Store keeps identities as PKCS#12 blobs, one item per certificate serial.
type Store struct {
	ring     keyring.Keyring
	password string
}

// Config configures Open.
type Config struct {
	// Dir holds the file vault used when no OS keychain is available.
	Dir string
	// VaultPassword unlocks the file vault.
	VaultPassword string
	// Password protects each PKCS#12 blob.
	Password string
}

// Open opens the credential store.
func Open(conf Config) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    ServiceName,
		KeychainSynchronizable:         false,
		KeychainAccessibleWhenUnlocked: true,
		KeychainTrustApplication:       true,
		FileDir:                        conf.Dir,
		FilePasswordFunc: func(string) (string, error) {
			if conf.VaultPassword == "" {
				return "", fmt.Errorf("a vault password is required to open %s", conf.Dir)
			}
			return conf.VaultPassword, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keychain: %w", err)
	}
	return New(ring, conf.Password), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring, password string) *Store {
	return &Store{ring: ring, password: password}
}

// Identities returns every stored identity with an RSA key. Entries that do
// not decode are skipped.
func (s *Store) Identities(ctx context.Context) ([]provision.KeyPair, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keychain items: %w", err)
	}

	var pairs []provision.KeyPair
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		item, err := s.ring.Get(key)
		if err != nil {
			log.WithError(err).WithField("key", key).Debug("failed to read keychain item")
			continue
		}
		id, err := codesign.LoadSigningIdentity(item.Data, s.password)
		if err != nil {
			log.WithError(err).WithField("key", key).Debug("skipping undecodable identity")
			continue
		}
		if _, ok := id.PrivateKey.(*rsa.PrivateKey); !ok {
			continue
		}
		pairs = append(pairs, provision.KeyPair{Certificate: id.Certificate, PrivateKey: id.PrivateKey})
	}
	return pairs, nil
}

// Put stores the identity, replacing any entry for the same serial.
func (s *Store) Put(id *provision.SigningIdentity) error {
	data, err := codesign.EncodeP12(id.X509, id.PrivateKey, s.password)
	if err != nil {
		return err
	}
	serial := id.Serial()
	host, _ := os.Hostname()
	if err := s.ring.Set(keyring.Item{
		Key:         keyPrefix + serial,
		Data:        data,
		Label:       ServiceName + " " + serial,
		Description: "development signing identity created on " + host,
	}); err != nil {
		return fmt.Errorf("failed to store identity %s: %w", serial, err)
	}
	return nil
}

// Remove deletes the identity with the given serial.
func (s *Store) Remove(serial string) error {
	if err := s.ring.Remove(keyPrefix + provision.NormalizeSerial(serial)); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("failed to remove identity: %w", err)
	}
	return nil
}
