// Package push accepts envelopes the server posts to the device over HTTP. A wake request carries no
// envelope and only asks for the backlog to be fetched early.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/meow-io/go-portmsg/config"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type MessageImpl struct {
	from string
	body []byte
}

func (m *MessageImpl) From() string {
	return m.from
}

func (m *MessageImpl) Body() []byte {
	return m.body
}

type Manager struct {
	config    *config.Config
	log       *zap.SugaredLogger
	processor func([]*MessageImpl) error
	wake      func()
	router    *mux.Router
	server    *http.Server
	listener  net.Listener
	finished  sync.WaitGroup
}

// NewManager builds the HTTP endpoint. wake may be nil.
func NewManager(c *config.Config, processor func([]*MessageImpl) error, wake func()) *Manager {
	m := &Manager{
		config:    c,
		log:       c.Logger("transport/push"),
		processor: processor,
		wake:      wake,
	}
	r := mux.NewRouter()
	r.HandleFunc("/v1/envelopes", m.postEnvelopes).Methods("POST")
	r.HandleFunc("/v1/wake", m.postWake).Methods("POST")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	m.router = r
	return m
}

func (m *Manager) Handler() http.Handler {
	return m.router
}

func (m *Manager) Start() error {
	l, err := net.Listen("tcp", m.config.PushListenAddr)
	if err != nil {
		return fmt.Errorf("push: error listening on %s: %w", m.config.PushListenAddr, err)
	}
	m.listener = l
	m.server = &http.Server{Handler: m.router, ReadHeaderTimeout: 10 * time.Second}
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		if err := m.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Warnf("push server stopped: %v", err)
		}
	}()
	m.log.Infof("listening on %s", l.Addr())
	return nil
}

// Addr is the address actually bound, useful when listening on port 0.
func (m *Manager) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *Manager) Shutdown() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.server.Shutdown(ctx)
	m.finished.Wait()
	return err
}

// postEnvelopes accepts a single envelope object or an array of them.
func (m *Manager) postEnvelopes(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			http.Error(w, "expected an envelope or a list of envelopes", http.StatusBadRequest)
			return
		}
		raws = []json.RawMessage{body}
	}

	messages := make([]*MessageImpl, len(raws))
	for i, raw := range raws {
		messages[i] = &MessageImpl{from: r.RemoteAddr, body: raw}
	}
	if err := m.processor(messages); err != nil {
		m.log.Warnf("error processing %d pushed envelopes: %v", len(messages), err)
		http.Error(w, "error processing envelopes", http.StatusInternalServerError)
		return
	}
	m.log.Debugf("accepted %d pushed envelopes from %s", len(messages), r.RemoteAddr)
	w.WriteHeader(http.StatusAccepted)
}

func (m *Manager) postWake(w http.ResponseWriter, r *http.Request) {
	if m.wake != nil {
		m.wake()
	}
	w.WriteHeader(http.StatusAccepted)
}
