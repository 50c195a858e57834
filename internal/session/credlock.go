package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotOwner is returned when releasing a credential the agent does not
// hold. The registry serializes launch and stop per agent, so seeing it
// means a bookkeeping bug upstream.
var ErrNotOwner = errors.New("credential not held by this agent")

// ConflictError reports a claim on a credential another agent already
// holds. The platform forbids two concurrent sessions per credential, so
// the holder must stop before the claim can succeed.
type ConflictError struct {
	OwnerID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("credential already claimed by agent %s", e.OwnerID)
}

// CredentialLock tracks which agent owns which platform credential. At
// most one agent holds a credential at any instant. Purely in-memory;
// claims do not survive the process and are rebuilt by launching.
type CredentialLock struct {
	mu     sync.Mutex
	owners map[string]string // credential -> agent ID
}

// NewCredentialLock creates an empty lock table.
func NewCredentialLock() *CredentialLock {
	return &CredentialLock{owners: make(map[string]string)}
}

// Claim records the agent as the credential's owner. Claiming a
// credential the agent already holds is a no-op. A credential held by a
// different agent fails with *ConflictError naming the holder.
func (l *CredentialLock) Claim(credential, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, ok := l.owners[credential]; ok && owner != agentID {
		return &ConflictError{OwnerID: owner}
	}
	l.owners[credential] = agentID
	return nil
}

// Release drops the agent's claim. Releasing a credential the agent does
// not hold returns ErrNotOwner and changes nothing.
func (l *CredentialLock) Release(credential, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.owners[credential]
	if !ok || owner != agentID {
		return ErrNotOwner
	}
	delete(l.owners, credential)
	return nil
}

// Owner reports the current holder of a credential, if any.
func (l *CredentialLock) Owner(credential string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[credential]
	return owner, ok
}
