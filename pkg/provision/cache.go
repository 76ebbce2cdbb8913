package provision

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
)

// BlobStore is a byte-blob store keyed by opaque strings.
type BlobStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, data []byte) error
}

// ProvisioningCache layers a fast store over a disk mirror. Either store may
// be nil. The two are written independently: a write succeeds when at least
// one store accepts it.
type ProvisioningCache struct {
	Fast BlobStore
	Disk BlobStore
}

// Lookup returns the first blob, in key order, that accept approves. For
// each key the fast store is tried before the disk store, and a disk hit is
// copied into the fast store.
func (c *ProvisioningCache) Lookup(keys []string, accept func([]byte) bool) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	for _, key := range keys {
		if c.Fast != nil {
			if data, ok := c.Fast.Get(key); ok && accept(data) {
				return data, true
			}
		}
		if c.Disk != nil {
			if data, ok := c.Disk.Get(key); ok && accept(data) {
				if c.Fast != nil {
					if err := c.Fast.Set(key, data); err != nil {
						log.WithError(err).WithField("key", key).Debug("failed to promote cached profile")
					}
				}
				return data, true
			}
		}
	}
	return nil, false
}

// Set writes data to both stores.
func (c *ProvisioningCache) Set(key string, data []byte) error {
	if c == nil || (c.Fast == nil && c.Disk == nil) {
		return errors.New("no cache store configured")
	}
	var errs []error
	stored := false
	for _, store := range []BlobStore{c.Fast, c.Disk} {
		if store == nil {
			continue
		}
		if err := store.Set(key, data); err != nil {
			errs = append(errs, err)
			continue
		}
		stored = true
	}
	if stored {
		return nil
	}
	return fmt.Errorf("failed to cache %s: %w", key, errors.Join(errs...))
}

// noDevice stands in for the device in keys of profiles that are not bound
// to a specific device.
const noDevice = "*"

// CacheKey builds the deterministic cache key for a profile.
func CacheKey(accountID string, platform Platform, udid, bundleID string) string {
	if udid == "" {
		udid = noDevice
	}
	return fmt.Sprintf("profile:%s:%s:%s:%s", accountID, platform.APIName(), strings.ToUpper(udid), bundleID)
}

// CacheKeyVariants returns every key a profile for bundleID may have been
// stored under: the raw, sanitized and new bundle id, each for the specific
// device (when udid is set) and for no device. Duplicates are removed while
// keeping order.
func CacheKeyVariants(accountID string, platform Platform, udid, bundleID, newBundleID string) []string {
	ids := []string{bundleID, SanitizeBundleID(bundleID), newBundleID}
	devices := []string{noDevice}
	if udid != "" {
		devices = []string{udid, noDevice}
	}

	seen := make(map[string]bool)
	var keys []string
	for _, device := range devices {
		for _, id := range ids {
			if id == "" {
				continue
			}
			key := CacheKey(accountID, platform, device, id)
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// IdentityCache holds one signing identity per account. Concurrent runs for
// the same account race and the last writer wins.
type IdentityCache struct {
	mu         sync.Mutex
	identities map[string]*SigningIdentity
}

// NewIdentityCache returns an empty cache.
func NewIdentityCache() *IdentityCache {
	return &IdentityCache{identities: make(map[string]*SigningIdentity)}
}

// Get returns the identity cached for account, falling back to its team id.
func (c *IdentityCache) Get(account Account) *SigningIdentity {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.identities[account.ID]; ok {
		return id
	}
	return c.identities[account.team()]
}

// Put caches id under the account id and, when different, the team id.
func (c *IdentityCache) Put(account Account, id *SigningIdentity) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identities == nil {
		c.identities = make(map[string]*SigningIdentity)
	}
	c.identities[account.ID] = id
	if team := account.team(); team != account.ID {
		c.identities[team] = id
	}
}

// Invalidate drops the identity for the account and its team id.
func (c *IdentityCache) Invalidate(account Account) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.identities, account.ID)
	delete(c.identities, account.team())
}
