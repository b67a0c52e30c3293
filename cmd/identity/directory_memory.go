package identity

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-process Directory for dev mode and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryDirectory seeds a directory with users.
func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(u User) {
	u.ID = NormalizeUserID(u.ID)
	if u.ID == "" {
		return
	}
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

func (d *MemoryDirectory) LookupUser(ctx context.Context, id string) (User, error) {
	const op = "identity.MemoryDirectory.LookupUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	id = NormalizeUserID(id)
	if id == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing user id"}
	}

	d.mu.RLock()
	u, ok := d.users[id]
	d.mu.RUnlock()
	if !ok {
		return User{}, NotFoundError{Op: op, UserID: id}
	}
	return u, nil
}

var _ Directory = (*MemoryDirectory)(nil)
