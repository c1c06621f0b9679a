package meetspot

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// storageScope is one key/value persistence area. The durable scope outlives
// the process, the ephemeral one ends with it.
type storageScope interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(keys ...string) error
}

type memoryScope struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryScope() *memoryScope {
	return &memoryScope{values: make(map[string]string)}
}

func (s *memoryScope) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memoryScope) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

func (s *memoryScope) Delete(keys ...string) error {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.values, key)
	}
	s.mu.Unlock()
	return nil
}

type sqliteScope struct{ db *sql.DB }

func newSQLiteScope(db *sql.DB) *sqliteScope { return &sqliteScope{db: db} }

func (s *sqliteScope) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM durable_storage WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load %s: %w", key, err)
	}
	return value, true, nil
}

func (s *sqliteScope) Set(key, value string) error {
	const maxBusyRetries = 5
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		_, err := s.db.Exec(
			`INSERT INTO durable_storage (key, value, updated_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   value = excluded.value,
			   updated_at = excluded.updated_at`,
			key,
			value,
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxBusyRetries {
			return fmt.Errorf("save %s: %w", key, err)
		}
		time.Sleep(time.Duration(25*(attempt+1)) * time.Millisecond)
	}
	return nil
}

func (s *sqliteScope) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return withTx(s.db, func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.Exec(`DELETE FROM durable_storage WHERE key = ?`, key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		return nil
	})
}

// degradingScope serves from primary until it fails once, then from memory
// for the rest of the process.
type degradingScope struct {
	name string
	log  eventLogger

	mu       sync.Mutex
	primary  storageScope
	fallback *memoryScope
	degraded bool
}

func newDegradingScope(name string, primary storageScope, log eventLogger) *degradingScope {
	s := &degradingScope{name: name, log: log, primary: primary, fallback: newMemoryScope()}
	if primary == nil {
		s.degraded = true
	}
	return s
}

func (s *degradingScope) active() storageScope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return s.fallback
	}
	return s.primary
}

func (s *degradingScope) degrade(op string, err error) {
	s.mu.Lock()
	already := s.degraded
	s.degraded = true
	s.mu.Unlock()
	if !already {
		s.log.warn("storage.scope.degraded", "scope", s.name, "op", op, "error", err)
	}
}

func (s *degradingScope) Get(key string) (string, bool, error) {
	v, ok, err := s.active().Get(key)
	if err != nil {
		s.degrade("get", err)
		return s.fallback.Get(key)
	}
	return v, ok, nil
}

func (s *degradingScope) Set(key, value string) error {
	if err := s.active().Set(key, value); err != nil {
		s.degrade("set", err)
		return s.fallback.Set(key, value)
	}
	return nil
}

func (s *degradingScope) Delete(keys ...string) error {
	if err := s.active().Delete(keys...); err != nil {
		s.degrade("delete", err)
		return s.fallback.Delete(keys...)
	}
	return nil
}

// TokenStore decides where tokens physically live. The access token sits in
// exactly one scope, chosen by the remember flag at login. The refresh token
// and the remember flag always live in the durable scope.
type TokenStore struct {
	mu        sync.Mutex
	durable   storageScope
	ephemeral storageScope
}

// newTokenStore builds a store over the given scopes. Either may be nil, in
// which case it is replaced by process memory.
func newTokenStore(durable, ephemeral storageScope, log eventLogger) *TokenStore {
	if ephemeral == nil {
		ephemeral = newMemoryScope()
	}
	return &TokenStore{
		durable:   newDegradingScope("durable", durable, log),
		ephemeral: newDegradingScope("ephemeral", ephemeral, log),
	}
}

func (s *TokenStore) Save(accessToken, refreshToken string, remember bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, other := s.scopesFor(remember)
	_ = other.Delete(accessTokenKey)
	_ = target.Set(accessTokenKey, accessToken)

	if refreshToken != "" {
		_ = s.durable.Set(refreshTokenKey, refreshToken)
	} else {
		_ = s.durable.Delete(refreshTokenKey)
	}

	if remember {
		_ = s.durable.Set(rememberKey, "true")
	} else {
		_ = s.durable.Delete(rememberKey)
	}
}

// UpdateAccessToken rewrites only the access token, in the scope the last
// Save picked.
func (s *TokenStore) UpdateAccessToken(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, other := s.scopesFor(s.rememberLocked())
	_ = other.Delete(accessTokenKey)
	_ = target.Set(accessTokenKey, accessToken)
}

func (s *TokenStore) Read() StoredTokens {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens StoredTokens
	if v, ok, _ := s.ephemeral.Get(accessTokenKey); ok {
		tokens.AccessToken = v
	} else if v, ok, _ := s.durable.Get(accessTokenKey); ok {
		tokens.AccessToken = v
	}
	if v, ok, _ := s.durable.Get(refreshTokenKey); ok {
		tokens.RefreshToken = v
	}
	tokens.Remember = s.rememberLocked()
	return tokens
}

func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.ephemeral.Delete(accessTokenKey)
	_ = s.durable.Delete(accessTokenKey, refreshTokenKey, rememberKey)
}

func (s *TokenStore) rememberLocked() bool {
	v, ok, _ := s.durable.Get(rememberKey)
	return ok && v == "true"
}

func (s *TokenStore) scopesFor(remember bool) (target, other storageScope) {
	if remember {
		return s.durable, s.ephemeral
	}
	return s.ephemeral, s.durable
}
