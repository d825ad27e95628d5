// Package keystore owns every crypto session. Sessions are addressed by crypto id and hold the key
// material for one line, group identity, group member or port. All calls must happen inside a
// database transaction.
package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/crypto"
	"github.com/meow-io/go-portmsg/ids"
	"github.com/meow-io/go-portmsg/storage"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

var (
	ErrNoSession      = errors.New("keystore: no such session")
	ErrNoSharedSecret = errors.New("keystore: session has no shared secret")
	ErrNoPrivateKey   = errors.New("keystore: session has no private key")
)

type Session struct {
	ID                string
	PrivateKey        []byte
	PublicKey         []byte
	PeerPublicKey     []byte
	PeerPublicKeyHash string
	SharedSecret      []byte
	Nonce             string
	Rad               string
}

func (s *Session) HasSharedSecret() bool {
	return len(s.SharedSecret) == crypto.KeySize
}

func (s *Session) clone() *Session {
	c := *s
	c.PrivateKey = cloneBytes(s.PrivateKey)
	c.PublicKey = cloneBytes(s.PublicKey)
	c.PeerPublicKey = cloneBytes(s.PeerPublicKey)
	c.SharedSecret = cloneBytes(s.SharedSecret)
	return &c
}

func (s *Session) wipe() {
	crypto.Wipe(s.PrivateKey)
	crypto.Wipe(s.SharedSecret)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

type Keystore struct {
	store *storage.Store
	log   *zap.SugaredLogger

	lock    sync.RWMutex
	cache   map[string]*Session
	pending map[string]struct{}
}

func New(c *config.Config, s *storage.Store) *Keystore {
	return &Keystore{
		store:   s,
		log:     c.Logger("keystore"),
		cache:   make(map[string]*Session),
		pending: make(map[string]struct{}),
	}
}

// Generate creates and persists a session holding a fresh keypair.
func (k *Keystore) Generate() (*Session, error) {
	kp := crypto.GenerateKeyPair()
	s := &Session{ID: ids.NewID(), PrivateKey: kp.Private, PublicKey: kp.Public}
	if err := k.Save(s); err != nil {
		crypto.WipeKeyPair(kp)
		return nil, err
	}
	return s, nil
}

// CopyKeys persists a new session holding the keypair, nonce and rad of id. Superports hand every
// reader their own copy so one chat's session can be destroyed without touching the others.
func (k *Keystore) CopyKeys(id string) (*Session, error) {
	src, err := k.Get(id)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:         ids.NewID(),
		PrivateKey: src.PrivateKey,
		PublicKey:  src.PublicKey,
		Nonce:      src.Nonce,
		Rad:        src.Rad,
	}
	if err := k.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (k *Keystore) Get(id string) (*Session, error) {
	k.lock.RLock()
	cached, ok := k.cache[id]
	k.lock.RUnlock()
	if ok {
		return cached.clone(), nil
	}

	row, err := k.store.CryptoOrNil(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	s := &Session{
		ID:                row.ID,
		PrivateKey:        row.PrivateKey,
		PublicKey:         row.PublicKey,
		PeerPublicKey:     row.PeerPublicKey,
		PeerPublicKeyHash: row.PeerPublicKeyHash,
		SharedSecret:      row.SharedSecret,
		Nonce:             row.Nonce,
		Rad:               row.Rad,
	}

	k.lock.Lock()
	if _, dirty := k.pending[id]; !dirty {
		k.cache[id] = s.clone()
	}
	k.lock.Unlock()
	return s, nil
}

func (k *Keystore) Save(s *Session) error {
	if s.ID == "" {
		s.ID = ids.NewID()
	}
	k.invalidate(s.ID)
	return k.store.UpsertCrypto(&storage.CryptoRow{
		ID:                s.ID,
		PrivateKey:        s.PrivateKey,
		PublicKey:         s.PublicKey,
		PeerPublicKey:     s.PeerPublicKey,
		PeerPublicKeyHash: s.PeerPublicKeyHash,
		SharedSecret:      s.SharedSecret,
		Nonce:             s.Nonce,
		Rad:               s.Rad,
	})
}

// Delete destroys a session. Cached key material is zeroed and the row removed; the database runs with
// secure_delete so the freed pages are overwritten.
func (k *Keystore) Delete(id string) error {
	if id == "" {
		return nil
	}
	k.invalidate(id)
	if err := k.store.DeleteCrypto(id); err != nil {
		return err
	}
	k.log.Debugf("destroyed session %s", id)
	return nil
}

// Agree computes the shared secret between session id's private key and peerPub without storing it.
func (k *Keystore) Agree(id string, peerPub []byte) ([]byte, error) {
	s, err := k.Get(id)
	if err != nil {
		return nil, err
	}
	defer s.wipe()
	if len(s.PrivateKey) == 0 {
		return nil, ErrNoPrivateKey
	}
	secret, err := crypto.DeriveSharedSecret(s.PrivateKey, peerPub)
	if err != nil {
		return nil, fmt.Errorf("keystore: error deriving secret: %w", err)
	}
	return secret, nil
}

// Derive records peerPub on session id and stores the shared secret computed from the session's
// private key.
func (k *Keystore) Derive(id string, peerPub []byte) (*Session, error) {
	secret, err := k.Agree(id, peerPub)
	if err != nil {
		return nil, err
	}
	s, err := k.Get(id)
	if err != nil {
		return nil, err
	}
	s.PeerPublicKey = cloneBytes(peerPub)
	s.SharedSecret = secret
	if err := k.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (k *Keystore) Encrypt(id string, plaintext []byte) (string, error) {
	s, err := k.Get(id)
	if err != nil {
		return "", err
	}
	if !s.HasSharedSecret() {
		return "", ErrNoSharedSecret
	}
	return crypto.Seal(s.SharedSecret, plaintext)
}

func (k *Keystore) Decrypt(id string, ciphertext string) ([]byte, error) {
	s, err := k.Get(id)
	if err != nil {
		return nil, err
	}
	if !s.HasSharedSecret() {
		return nil, ErrNoSharedSecret
	}
	out, err := crypto.Open(s.SharedSecret, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keystore: error decrypting: %w", err)
	}
	return out, nil
}

// Close zeroes and forgets every cached session. Sessions are reloaded from the database on next use.
func (k *Keystore) Close() {
	k.lock.Lock()
	defer k.lock.Unlock()
	for _, s := range maps.Values(k.cache) {
		s.wipe()
	}
	maps.Clear(k.cache)
}


// invalidate drops id from the cache and keeps it out until the surrounding transaction commits.
func (k *Keystore) invalidate(id string) {
	k.lock.Lock()
	if s, ok := k.cache[id]; ok {
		s.wipe()
		delete(k.cache, id)
	}
	k.pending[id] = struct{}{}
	k.lock.Unlock()

	if k.store.Tx != nil {
		k.store.BeforeCommit(func() error {
			k.lock.Lock()
			delete(k.pending, id)
			k.lock.Unlock()
			return nil
		})
	}
}
