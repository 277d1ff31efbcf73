package config

import (
	"sync"

	"github.com/shubhankar-shipowl/help-desk-sub001/internal/mailbox"
)

// CredentialCache holds resolved mailbox credentials keyed by tenant
// scope, so long-running pollers do not re-read configuration on every
// cycle. An authentication failure should invalidate the scope so the
// next cycle picks up rotated credentials.
type CredentialCache struct {
	mu    sync.RWMutex
	creds map[scopeKey]mailbox.Credentials
}

type scopeKey struct {
	tenantID string
	storeID  string
}

// NewCredentialCache creates an empty cache.
func NewCredentialCache() *CredentialCache {
	return &CredentialCache{creds: make(map[scopeKey]mailbox.Credentials)}
}

// Get returns the cached credentials for the scope.
func (c *CredentialCache) Get(tenantID, storeID string) (mailbox.Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	creds, ok := c.creds[scopeKey{tenantID, storeID}]
	return creds, ok
}

// Put stores credentials for the scope, replacing any previous entry.
func (c *CredentialCache) Put(tenantID, storeID string, creds mailbox.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds[scopeKey{tenantID, storeID}] = creds
}

// Invalidate drops the scope's entry. No-op when absent.
func (c *CredentialCache) Invalidate(tenantID, storeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.creds, scopeKey{tenantID, storeID})
}

// Credentials converts a mailbox's configuration into dialable
// credentials.
func (m MailboxConfig) Credentials() mailbox.Credentials {
	return mailbox.Credentials{
		Host:     m.Host,
		Port:     m.Port,
		Username: m.Username,
		Password: m.Password,
		TLS:      !m.Insecure,
		Folder:   m.Folder,
	}
}
