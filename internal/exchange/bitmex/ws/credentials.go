package ws

import (
	"sync"
)

// Credential is a key/secret pair bound to a stream identifier.
type Credential struct {
	Key    string
	Secret string
}

// Credentials keeps key/secret pairs by stream id so re-authentication survives
// reconnects. Safe for concurrent use.
type Credentials struct {
	mu   sync.RWMutex
	byID map[string]Credential
}

func NewCredentials() *Credentials {
	return &Credentials{byID: make(map[string]Credential)}
}

func (c *Credentials) Get(id string) (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.byID[id]
	return cred, ok
}

func (c *Credentials) Set(id string, cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[id] = cred
}

func (c *Credentials) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
}

func (c *Credentials) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
