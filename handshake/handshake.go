// Package handshake establishes the shared secrets conversations are encrypted with.
//
// A direct chat starts when a reader (B) scans a port bundle generated by A. B opens a line with the
// server, which announces it to A as a new chat. A binds the port's keypair to the line and sends A1
// carrying its public key. B checks that key against the hash in the bundle, derives the secret from a
// fresh keypair and answers with B2, carrying its public key and the bundle nonce sealed under the
// secret. A derives the same secret, opens the nonce and compares it to the one it generated.
//
// Group sessions are pairwise: every member derives one secret per other member from its own group
// private key and that member's public key.
package handshake

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/crypto"
	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/ids"
	"github.com/meow-io/go-portmsg/keystore"
	"github.com/meow-io/go-portmsg/storage"
	"go.uber.org/zap"
)

const PortVersion = "1.0.0"

var (
	ErrLineExists       = errors.New("handshake: line already exists")
	ErrUnknownLine      = errors.New("handshake: unknown line")
	ErrUnknownPort      = errors.New("handshake: unknown port")
	ErrPortExpired      = errors.New("handshake: port expired")
	ErrBlocked          = errors.New("handshake: peer is blocked")
	ErrAlreadyConnected = errors.New("handshake: already connected to peer")
	ErrReplay           = errors.New("handshake: already completed")
	ErrKeyMismatch      = errors.New("handshake: public key does not match bundle")
	ErrNonceMismatch    = errors.New("handshake: nonce mismatch")
)

type NewLine struct {
	LineID   string
	PairHash string
}

// DirectAPI is the part of the server API used to open and close lines.
type DirectAPI interface {
	NewLine(ctx context.Context, portID string, superport bool) (*NewLine, error)
	Disconnect(ctx context.Context, lineID string) error
}

type Engine struct {
	config *config.Config
	log    *zap.SugaredLogger
	store  *storage.Store
	keys   *keystore.Keystore
	api    DirectAPI
}

func New(c *config.Config, s *storage.Store, k *keystore.Keystore, api DirectAPI) *Engine {
	return &Engine{
		config: c,
		log:    c.Logger("handshake"),
		store:  s,
		keys:   k,
		api:    api,
	}
}

func (e *Engine) NewPort(label, folderID string, superport bool) (*envelope.PortBundle, error) {
	var bundle *envelope.PortBundle
	if err := e.store.Run("new port", func() error {
		var err error
		bundle, err = e.GeneratePort(label, folderID, superport)
		return err
	}); err != nil {
		return nil, err
	}
	return bundle, nil
}

// GeneratePort creates a port and its session inside the current transaction. Plain ports expire after
// the configured ttl; superports never do.
func (e *Engine) GeneratePort(label, folderID string, superport bool) (*envelope.PortBundle, error) {
	sess, err := e.keys.Generate()
	if err != nil {
		return nil, err
	}
	if sess.Nonce, err = crypto.RandomHex(16); err != nil {
		return nil, err
	}
	if sess.Rad, err = crypto.RandomHex(16); err != nil {
		return nil, err
	}
	if err := e.keys.Save(sess); err != nil {
		return nil, err
	}

	permissionsID := ids.NewID()
	if err := e.store.UpsertPermissions(storage.DefaultPermissions(permissionsID)); err != nil {
		return nil, err
	}

	var expiresAt int64
	if !superport && e.config.PortTTLMs > 0 {
		expiresAt = int64(e.store.Clock().CurrentTimeMs()) + e.config.PortTTLMs
	}
	port := &storage.Port{
		PortID:        ids.NewID(),
		Version:       PortVersion,
		Label:         label,
		CryptoID:      sess.ID,
		PermissionsID: permissionsID,
		FolderID:      folderID,
		ExpiresAt:     expiresAt,
		Superport:     superport,
	}
	// a plain port connects exactly one pair
	if !superport {
		port.PairHash = crypto.HashPublicKey(sess.PublicKey)
	}
	if err := e.store.UpsertPort(port); err != nil {
		return nil, err
	}
	e.log.Debugf("generated port %s superport=%t", port.PortID, superport)
	return &envelope.PortBundle{
		PortID:     port.PortID,
		Version:    PortVersion,
		PubKeyHash: crypto.HashPublicKey(sess.PublicKey),
		Nonce:      sess.Nonce,
		Rad:        sess.Rad,
		Label:      label,
		Superport:  superport,
		ExpiresAt:  expiresAt,
	}, nil
}

// ReadPort opens a line to the generator of bundle and records what is needed to verify its A1.
func (e *Engine) ReadPort(ctx context.Context, bundle *envelope.PortBundle) (string, error) {
	if bundle.ExpiresAt > 0 && int64(e.store.Clock().CurrentTimeMs()) > bundle.ExpiresAt {
		return "", ErrPortExpired
	}
	nl, err := e.api.NewLine(ctx, bundle.PortID, bundle.Superport)
	if err != nil {
		return "", fmt.Errorf("handshake: error opening line: %w", err)
	}

	var chatID string
	err = e.store.Run("read port", func() error {
		if blocked, err := e.store.IsBlocked(nl.PairHash); err != nil {
			return err
		} else if blocked {
			return ErrBlocked
		}
		existing, err := e.store.DirectConnectionForPairHashOrNil(nl.PairHash)
		if err != nil {
			return err
		}
		if existing != nil && !existing.Disconnected {
			return ErrAlreadyConnected
		}

		sess := &keystore.Session{
			ID:                ids.NewID(),
			PeerPublicKeyHash: bundle.PubKeyHash,
			Nonce:             bundle.Nonce,
			Rad:               bundle.Rad,
		}
		if err := e.keys.Save(sess); err != nil {
			return err
		}

		permissionsID := ids.NewID()
		if existing != nil {
			chatID = existing.ChatID
			old, err := e.retireLine(chatID)
			if err != nil {
				return err
			}
			if old != nil {
				permissionsID = old.PermissionsID
			}
			existing.RoutingID = nl.LineID
			existing.Disconnected = false
			if err := e.store.UpdateConnection(existing); err != nil {
				return err
			}
		} else {
			chatID = nl.LineID
			if err := e.store.InsertConnection(&storage.Connection{
				ChatID:    chatID,
				Type:      storage.ConnectionTypeDirect,
				RoutingID: nl.LineID,
				PairHash:  nl.PairHash,
				Timestamp: e.store.Now(),
			}); err != nil {
				return err
			}
		}
		if p, err := e.store.PermissionsOrNil(permissionsID); err != nil {
			return err
		} else if p == nil {
			if err := e.store.UpsertPermissions(storage.DefaultPermissions(permissionsID)); err != nil {
				return err
			}
		}
		if err := e.store.UpsertLine(&storage.Line{
			ChatID:        chatID,
			LineID:        nl.LineID,
			CryptoID:      sess.ID,
			PermissionsID: permissionsID,
		}); err != nil {
			return err
		}
		return e.store.TouchContact(nl.PairHash, "", e.store.Now())
	})
	if err != nil {
		if derr := e.api.Disconnect(ctx, nl.LineID); derr != nil {
			e.log.Warnf("error disconnecting abandoned line %s: %v", nl.LineID, derr)
		}
		return "", err
	}
	return chatID, nil
}

type NewChat struct {
	LineID    string
	PortID    string
	PairHash  string
	Superport bool
}

type Accepted struct {
	ChatID string
	Reused bool
	A1     *envelope.HandshakeA1Data
}

// AcceptNewChat binds the port named in nc to the new line, inside the current transaction. A plain
// port is consumed; a superport hands the line a copy of its keys.
func (e *Engine) AcceptNewChat(nc NewChat) (*Accepted, error) {
	if exists, err := e.store.LineExists(nc.LineID); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrLineExists
	}
	port, err := e.store.PortOrNil(nc.PortID)
	if err != nil {
		return nil, err
	}
	if port == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPort, nc.PortID)
	}
	if port.ExpiresAt > 0 && int64(e.store.Clock().CurrentTimeMs()) > port.ExpiresAt {
		return nil, ErrPortExpired
	}
	nc.PairHash = resolvePairHash(nc, port)
	if blocked, err := e.store.IsBlocked(nc.PairHash); err != nil {
		return nil, err
	} else if blocked {
		return nil, ErrBlocked
	}
	existing, err := e.store.DirectConnectionForPairHashOrNil(nc.PairHash)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Disconnected {
		return nil, ErrAlreadyConnected
	}

	var sess *keystore.Session
	var permissionsID string
	if port.Superport {
		if sess, err = e.keys.CopyKeys(port.CryptoID); err != nil {
			return nil, err
		}
		permissionsID = ids.NewID()
		if err := e.store.CopyPermissions(port.PermissionsID, permissionsID); err != nil {
			return nil, err
		}
	} else {
		if sess, err = e.keys.Get(port.CryptoID); err != nil {
			return nil, err
		}
		permissionsID = port.PermissionsID
		if err := e.store.DeletePort(port.PortID); err != nil {
			return nil, err
		}
	}

	accepted := &Accepted{A1: &envelope.HandshakeA1Data{PubKey: sess.PublicKey}}
	if existing != nil {
		accepted.ChatID = existing.ChatID
		accepted.Reused = true
		old, err := e.retireLine(existing.ChatID)
		if err != nil {
			return nil, err
		}
		if old != nil && old.PermissionsID != permissionsID {
			if err := e.store.DeletePermissions(old.PermissionsID); err != nil {
				return nil, err
			}
		}
		existing.RoutingID = nc.LineID
		existing.Disconnected = false
		if err := e.store.UpdateConnection(existing); err != nil {
			return nil, err
		}
	} else {
		accepted.ChatID = nc.LineID
		if err := e.store.InsertConnection(&storage.Connection{
			ChatID:    nc.LineID,
			Type:      storage.ConnectionTypeDirect,
			RoutingID: nc.LineID,
			PairHash:  nc.PairHash,
			FolderID:  port.FolderID,
			Name:      port.Label,
			Timestamp: e.store.Now(),
		}); err != nil {
			return nil, err
		}
	}
	if err := e.store.UpsertLine(&storage.Line{
		ChatID:        accepted.ChatID,
		LineID:        nc.LineID,
		CryptoID:      sess.ID,
		PermissionsID: permissionsID,
		PortID:        port.PortID,
	}); err != nil {
		return nil, err
	}
	if err := e.store.TouchContact(nc.PairHash, port.Label, e.store.Now()); err != nil {
		return nil, err
	}
	e.log.Debugf("accepted new chat %s over port %s", accepted.ChatID, port.PortID)
	return accepted, nil
}

// resolvePairHash prefers the pair hash the server attached to the new line. Otherwise a plain port
// supplies its own, and each line over a superport gets one derived from the port and the line.
func resolvePairHash(nc NewChat, port *storage.Port) string {
	switch {
	case nc.PairHash != "":
		return nc.PairHash
	case port.PairHash != "":
		return port.PairHash
	default:
		return crypto.HashPublicKey([]byte(port.PortID + ":" + nc.LineID))
	}
}

// HandleA1 runs on the reader. It verifies the generator's key, derives the secret and returns the B2 reply.
func (e *Engine) HandleA1(chatID string, d *envelope.HandshakeA1Data) (*envelope.HandshakeB2Data, error) {
	line, sess, err := e.lineSession(chatID)
	if err != nil {
		return nil, err
	}
	if sess.HasSharedSecret() {
		return nil, ErrReplay
	}
	if sess.PeerPublicKeyHash == "" || !crypto.VerifyPublicKeyHash(d.PubKey, sess.PeerPublicKeyHash) {
		return nil, ErrKeyMismatch
	}

	kp := crypto.GenerateKeyPair()
	sess.PrivateKey = kp.Private
	sess.PublicKey = kp.Public
	if err := e.keys.Save(sess); err != nil {
		return nil, err
	}
	if sess, err = e.keys.Derive(sess.ID, d.PubKey); err != nil {
		return nil, err
	}
	encryptedNonce, err := crypto.Seal(sess.SharedSecret, []byte(sess.Nonce))
	if err != nil {
		return nil, err
	}
	if err := e.store.SetAuthenticated(line.ChatID); err != nil {
		return nil, err
	}
	return &envelope.HandshakeB2Data{PubKey: kp.Public, EncryptedNonce: encryptedNonce}, nil
}

// HandleB2 runs on the generator and completes the handshake.
func (e *Engine) HandleB2(chatID string, d *envelope.HandshakeB2Data) error {
	line, sess, err := e.lineSession(chatID)
	if err != nil {
		return err
	}
	if sess.HasSharedSecret() {
		return ErrReplay
	}
	secret, err := e.keys.Agree(sess.ID, d.PubKey)
	if err != nil {
		return err
	}
	nonce, err := crypto.Open(secret, d.EncryptedNonce)
	if err != nil {
		crypto.Wipe(secret)
		return fmt.Errorf("%w: %v", ErrNonceMismatch, err)
	}
	if subtle.ConstantTimeCompare(nonce, []byte(sess.Nonce)) != 1 {
		crypto.Wipe(secret)
		return ErrNonceMismatch
	}
	sess.PeerPublicKey = d.PubKey
	sess.SharedSecret = secret
	if err := e.keys.Save(sess); err != nil {
		return err
	}
	return e.store.SetAuthenticated(line.ChatID)
}

// Disconnect marks a direct chat disconnected and destroys its session, inside the current transaction.
// It returns the line id so the caller can tell the server.
func (e *Engine) Disconnect(chatID string) (string, error) {
	if err := e.store.SetDisconnected(chatID, true); err != nil {
		return "", err
	}
	line, err := e.store.LineOrNil(chatID)
	if err != nil || line == nil {
		return "", err
	}
	if err := e.keys.Delete(line.CryptoID); err != nil {
		return "", err
	}
	return line.LineID, nil
}

// DisconnectRemote tells the server to close lineID. Failures are logged.
func (e *Engine) DisconnectRemote(ctx context.Context, lineID string) {
	if lineID == "" {
		return
	}
	if err := e.api.Disconnect(ctx, lineID); err != nil {
		e.log.Warnf("error disconnecting line %s: %v", lineID, err)
	}
}

// DeriveGroupSession creates the pairwise session between our group identity and a member's public key.
func (e *Engine) DeriveGroupSession(selfCryptoID string, peerPub []byte) (*keystore.Session, error) {
	secret, err := e.keys.Agree(selfCryptoID, peerPub)
	if err != nil {
		return nil, err
	}
	sess := &keystore.Session{
		ID:            ids.NewID(),
		PeerPublicKey: peerPub,
		SharedSecret:  secret,
	}
	if err := e.keys.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ExpirePorts removes plain ports past their expiry along with their sessions.
func (e *Engine) ExpirePorts() (int, error) {
	var n int
	err := e.store.Run("expire ports", func() error {
		ports, err := e.store.Ports()
		if err != nil {
			return err
		}
		now := int64(e.store.Clock().CurrentTimeMs())
		for _, p := range ports {
			if p.ExpiresAt == 0 || p.ExpiresAt > now {
				continue
			}
			if err := e.keys.Delete(p.CryptoID); err != nil {
				return err
			}
			if err := e.store.DeletePermissions(p.PermissionsID); err != nil {
				return err
			}
			if err := e.store.DeletePort(p.PortID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (e *Engine) lineSession(chatID string) (*storage.Line, *keystore.Session, error) {
	line, err := e.store.LineOrNil(chatID)
	if err != nil {
		return nil, nil, err
	}
	if line == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownLine, chatID)
	}
	sess, err := e.keys.Get(line.CryptoID)
	if err != nil {
		return nil, nil, err
	}
	return line, sess, nil
}

// retireLine destroys the line currently backing chatID so a new one can replace it.
func (e *Engine) retireLine(chatID string) (*storage.Line, error) {
	old, err := e.store.LineOrNil(chatID)
	if err != nil || old == nil {
		return nil, err
	}
	if err := e.keys.Delete(old.CryptoID); err != nil {
		return nil, err
	}
	if err := e.store.DeleteLine(chatID); err != nil {
		return nil, err
	}
	return old, nil
}
