package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// WSTokenTTL is how long a websocket ticket stays valid.
	WSTokenTTL = 30 * time.Second
	// WSTokenLength is the ticket size in bytes before hex encoding.
	WSTokenLength = 32
)

// WSTokenStore hands out one-time tickets for the telemetry websocket.
// Browsers cannot set an Authorization header on a websocket handshake, so
// a client first fetches a ticket with its bearer token and passes it as
// ?token= on the upgrade request.
type WSTokenStore struct {
	mu      sync.Mutex
	tokens  map[string]wsTicket
	now     func() time.Time
	done    chan struct{}
	closeMu sync.Once
}

type wsTicket struct {
	client    Client
	createdAt time.Time
}

// NewWSTokenStore creates a ticket store. Call Close to stop cleanup.
func NewWSTokenStore() *WSTokenStore {
	s := &WSTokenStore{
		tokens: make(map[string]wsTicket),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Generate issues a ticket for client.
func (s *WSTokenStore) Generate(client *Client) (string, error) {
	buf := make([]byte, WSTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.tokens[token] = wsTicket{client: *client, createdAt: s.now()}
	s.mu.Unlock()
	return token, nil
}

// Validate consumes token and returns its client.
func (s *WSTokenStore) Validate(token string) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return nil, false
	}
	delete(s.tokens, token)

	if s.now().Sub(t.createdAt) > WSTokenTTL {
		return nil, false
	}
	client := t.client
	return &client, true
}

// Close stops the cleanup goroutine.
func (s *WSTokenStore) Close() {
	s.closeMu.Do(func() { close(s.done) })
}

func (s *WSTokenStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *WSTokenStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for token, t := range s.tokens {
		if now.Sub(t.createdAt) > WSTokenTTL {
			delete(s.tokens, token)
		}
	}
}
