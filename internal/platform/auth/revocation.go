package auth

import (
	"sync"
	"time"
)

// revocationEntry records one revoked token until its natural expiry.
type revocationEntry struct {
	ExpiresAt time.Time
	UserID    string
}

// sessionEntry records one live token seen by the JWT middleware, so the
// token can still be revoked later even though the server never issued it.
type sessionEntry struct {
	ExpiresAt time.Time
	UserID    string
}

// TokenRevocationStore tracks revoked JWT IDs and the live sessions the
// middleware has observed. Tokens are minted by an external identity
// provider, so revoking "all tokens for a user" can only cover JTIs this
// process has actually seen; Observe feeds that registry on every
// authenticated request. Entries drop out once the underlying token would
// have expired anyway. Safe for concurrent use.
type TokenRevocationStore struct {
	mu       sync.RWMutex
	revoked  map[string]revocationEntry // JTI -> revocation
	sessions map[string]sessionEntry    // JTI -> live session
	byUser   map[string]map[string]struct{}
	done     chan struct{}
}

// NewTokenRevocationStore creates a store and starts a background sweep
// that prunes expired entries every 5 minutes. Call Close on shutdown.
func NewTokenRevocationStore() *TokenRevocationStore {
	s := &TokenRevocationStore{
		revoked:  make(map[string]revocationEntry),
		sessions: make(map[string]sessionEntry),
		byUser:   make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Observe registers a validated token as a live session. Called by the JWT
// middleware after signature and claim checks pass; it must never reject.
// A token without an exp claim is tracked for one hour.
func (s *TokenRevocationStore) Observe(jti, userID string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(time.Hour)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, gone := s.revoked[jti]; gone {
		return
	}
	s.sessions[jti] = sessionEntry{ExpiresAt: expiresAt, UserID: userID}
	s.index(userID, jti)
}

// Revoke marks a single JTI revoked until expiresAt, after which the token
// is dead on its own and the entry is swept.
func (s *TokenRevocationStore) Revoke(jti string, expiresAt time.Time) {
	s.RevokeForUser(jti, "", expiresAt)
}

// RevokeForUser marks a JTI revoked and ties it to a user so later bulk
// revocations account for it.
func (s *TokenRevocationStore) RevokeForUser(jti, userID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userID == "" {
		if sess, ok := s.sessions[jti]; ok {
			userID = sess.UserID
		}
	}
	delete(s.sessions, jti)
	s.revoked[jti] = revocationEntry{ExpiresAt: expiresAt, UserID: userID}
	s.index(userID, jti)
}

// IsRevoked reports whether a JTI has been revoked.
func (s *TokenRevocationStore) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.revoked[jti]
	return ok
}

// RevokeAllForUser revokes every observed live session and re-confirms
// every prior revocation for the user. Returns the number of sessions that
// went from live to revoked. Used when a reviewer account is compromised
// or an operator leaves: their already-issued tokens stop working on the
// next request.
func (s *TokenRevocationStore) RevokeAllForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	jtis, ok := s.byUser[userID]
	if !ok {
		return 0
	}

	count := 0
	for jti := range jtis {
		sess, live := s.sessions[jti]
		if !live {
			continue
		}
		delete(s.sessions, jti)
		s.revoked[jti] = revocationEntry{ExpiresAt: sess.ExpiresAt, UserID: userID}
		count++
	}
	return count
}

// Count returns the number of currently revoked tokens.
func (s *TokenRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.revoked)
}

// Sessions returns the number of live observed sessions.
func (s *TokenRevocationStore) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}

// Entries returns a snapshot of the current revocations.
func (s *TokenRevocationStore) Entries() []RevocationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]RevocationInfo, 0, len(s.revoked))
	for jti, entry := range s.revoked {
		result = append(result, RevocationInfo{
			JTI:       jti,
			UserID:    entry.UserID,
			ExpiresAt: entry.ExpiresAt,
		})
	}
	return result
}

// RevocationInfo is the public shape of one revocation entry.
type RevocationInfo struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Close stops the background sweep. Safe to call more than once.
func (s *TokenRevocationStore) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// index must be called with the write lock held.
func (s *TokenRevocationStore) index(userID, jti string) {
	if userID == "" {
		return
	}
	set, ok := s.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		s.byUser[userID] = set
	}
	set[jti] = struct{}{}
}

func (s *TokenRevocationStore) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops entries whose tokens are past their natural expiry. An
// expired token fails validation on its own, so neither its revocation nor
// its session needs tracking.
func (s *TokenRevocationStore) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for jti, entry := range s.revoked {
		if now.After(entry.ExpiresAt) {
			delete(s.revoked, jti)
			s.unindex(entry.UserID, jti)
		}
	}
	for jti, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, jti)
			s.unindex(sess.UserID, jti)
		}
	}
}

// unindex must be called with the write lock held.
func (s *TokenRevocationStore) unindex(userID, jti string) {
	if userID == "" {
		return
	}
	set, ok := s.byUser[userID]
	if !ok {
		return
	}
	delete(set, jti)
	if len(set) == 0 {
		delete(s.byUser, userID)
	}
}
