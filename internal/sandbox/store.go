package sandbox

import (
	"crypto/rsa"
	"errors"
	"sort"
	"sync"
	"time"
)

// Enrollment failures, mapped to envelope status codes by the handler.
var (
	errUnknownSymbol = errors.New("unknown unit symbol")
	errUnknownToken  = errors.New("unknown token")
	errUsedToken     = errors.New("token already used")
	errExpiredToken  = errors.New("token expired")
	errWrongPIN      = errors.New("wrong PIN")
)

// Account is an enrollment token waiting to be redeemed by a device.
type Account struct {
	Token     string
	Symbol    string
	PIN       string
	LoginID   int64
	UserLogin string
	UserName  string
	ExpiresAt time.Time

	used bool
}

// Device is a registered certificate.
type Device struct {
	Fingerprint  string
	PublicKey    *rsa.PublicKey
	Symbol       string
	LoginID      int64
	OS           string
	Model        string
	RegisteredAt time.Time
}

// Item is one stored entity. PupilID 0 means the item is not pupil scoped.
// Scope names the container the item lives in, such as a message box
// folder; it must match the query's Scope exactly.
type Item struct {
	ID       int64
	PupilID  int64
	Scope    string
	Modified time.Time
	Data     map[string]any
}

type tombstone struct {
	id int64
	at time.Time
}

// Query selects items from a collection.
type Query struct {
	PupilID int64
	Scope   string
	Since   time.Time
	AfterID int64
	// Limit of 0 returns everything.
	Limit int
}

// Store is the sandbox's in-memory backend state.
type Store struct {
	mu          sync.RWMutex
	accounts    map[string]*Account
	symbols     map[string]struct{}
	devices     map[string]*Device
	collections map[string][]Item
	deleted     map[string][]tombstone
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		accounts:    make(map[string]*Account),
		symbols:     make(map[string]struct{}),
		devices:     make(map[string]*Device),
		collections: make(map[string][]Item),
		deleted:     make(map[string][]tombstone),
	}
}

// AddAccount makes a token redeemable.
func (s *Store) AddAccount(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.accounts[a.Token] = &cp
	s.symbols[a.Symbol] = struct{}{}
}

// Tokens lists every known token, redeemed or not.
func (s *Store) Tokens() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.accounts))
	for t := range s.accounts {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Enroll redeems token for dev. Checks run in the order the real backend
// reports them: unit, token, expiry, reuse, PIN.
func (s *Store) Enroll(symbol, token, pin string, dev Device, now time.Time) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.symbols[symbol]; !ok {
		return nil, errUnknownSymbol
	}
	a, ok := s.accounts[token]
	if !ok || a.Symbol != symbol {
		return nil, errUnknownToken
	}
	if !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
		return nil, errExpiredToken
	}
	if a.used {
		return nil, errUsedToken
	}
	if a.PIN != pin {
		return nil, errWrongPIN
	}

	a.used = true
	dev.Symbol = symbol
	dev.LoginID = a.LoginID
	dev.RegisteredAt = now
	s.devices[dev.Fingerprint] = &dev
	cp := *a
	return &cp, nil
}

// Device looks up a registered certificate by fingerprint.
func (s *Store) Device(fingerprint string) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[fingerprint]
	return d, ok
}

// Put adds or replaces items in the named collection.
func (s *Store) Put(collection string, items ...Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.collections[collection]
	for _, it := range items {
		i := sort.Search(len(list), func(i int) bool { return list[i].ID >= it.ID })
		if i < len(list) && list[i].ID == it.ID {
			list[i] = it
			continue
		}
		list = append(list, Item{})
		copy(list[i+1:], list[i:])
		list[i] = it
	}
	s.collections[collection] = list
}

// Delete removes an item and remembers when, for deleted-items queries.
func (s *Store) Delete(collection string, id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.collections[collection]
	for i, it := range list {
		if it.ID == id {
			s.collections[collection] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	s.deleted[collection] = append(s.deleted[collection], tombstone{id: id, at: at})
}

// List returns the items of collection matching q, ordered by id.
func (s *Store) List(collection string, q Query) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for _, it := range s.collections[collection] {
		if it.ID <= q.AfterID {
			continue
		}
		if q.PupilID != 0 && it.PupilID != 0 && it.PupilID != q.PupilID {
			continue
		}
		if it.Scope != q.Scope {
			continue
		}
		if !q.Since.IsZero() && !it.Modified.After(q.Since) {
			continue
		}
		out = append(out, it)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Get returns a single item by id.
func (s *Store) Get(collection string, id int64) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.collections[collection]
	i := sort.Search(len(list), func(i int) bool { return list[i].ID >= id })
	if i < len(list) && list[i].ID == id {
		return list[i], true
	}
	return Item{}, false
}

// First returns the lowest-id item of collection.
func (s *Store) First(collection string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.collections[collection]
	if len(list) == 0 {
		return Item{}, false
	}
	return list[0], true
}

// DeletedSince lists ids removed from collection after since.
func (s *Store) DeletedSince(collection string, since time.Time) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := []int64{}
	for _, t := range s.deleted[collection] {
		if t.at.After(since) {
			ids = append(ids, t.id)
		}
	}
	return ids
}
