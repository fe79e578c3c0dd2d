// Package session implements per-identity cookie jars and an
// error-scored pool of identities, structured after the teacher's
// observer.PIDTracker mutex-guarded registry: a map keyed by an id,
// guarded by a single sync.RWMutex, with Add/lookup/remove methods.
package session

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBlockedStatusCodes mirrors the status codes a server sends
// when it has identified and blocked a client identity.
var DefaultBlockedStatusCodes = []int{401, 403, 429}

// Session is one rotating identity: a cookie jar plus usage and
// error-score accounting that together decide IsUsable.
type Session struct {
	ID        string
	UserData  map[string]any
	CreatedAt time.Time

	MaxAge time.Duration

	UsageCount    int
	MaxUsageCount int

	ErrorScore          float64
	MaxErrorScore       float64
	ErrorScoreDecrement float64

	BlockedStatusCodes []int

	Jar http.CookieJar

	mu sync.Mutex
}

// NewSession builds a fresh Session with a random identity and an
// empty cookiejar.Jar. now and maxAge/maxUsageCount/maxErrorScore/
// errorScoreDecrement come from the owning pool's configuration.
func NewSession(now time.Time, maxAge time.Duration, maxUsageCount int, maxErrorScore, errorScoreDecrement float64) *Session {
	jar, _ := cookiejar.New(nil)
	return &Session{
		ID:                  uuid.NewString(),
		UserData:            make(map[string]any),
		CreatedAt:           now,
		MaxAge:              maxAge,
		MaxUsageCount:       maxUsageCount,
		MaxErrorScore:       maxErrorScore,
		ErrorScoreDecrement: errorScoreDecrement,
		BlockedStatusCodes:  append([]int(nil), DefaultBlockedStatusCodes...),
		Jar:                 jar,
	}
}

// IsExpired reports whether now has passed CreatedAt+MaxAge.
func (s *Session) IsExpired(now time.Time) bool {
	if s.MaxAge <= 0 {
		return false
	}
	return !now.Before(s.CreatedAt.Add(s.MaxAge))
}

// IsMaxUsageCountReached reports whether UsageCount has hit MaxUsageCount.
func (s *Session) IsMaxUsageCountReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MaxUsageCount > 0 && s.UsageCount >= s.MaxUsageCount
}

// IsBlocked reports whether ErrorScore has reached MaxErrorScore.
func (s *Session) IsBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MaxErrorScore > 0 && s.ErrorScore >= s.MaxErrorScore
}

// IsUsable reports whether the session is neither expired, maxed out,
// nor blocked, as of now.
func (s *Session) IsUsable(now time.Time) bool {
	return !s.IsExpired(now) && !s.IsMaxUsageCountReached() && !s.IsBlocked()
}

// MarkGood records a successful use: usage increments, error score
// decays toward zero.
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UsageCount++
	s.ErrorScore -= s.ErrorScoreDecrement
	if s.ErrorScore < 0 {
		s.ErrorScore = 0
	}
}

// MarkBad records a failed use: usage increments, error score rises.
func (s *Session) MarkBad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UsageCount++
	s.ErrorScore++
}

// Retire raises ErrorScore by MaxErrorScore, so IsBlocked reports true
// and the session is unusable until MarkGood calls bring the score
// back below MaxErrorScore.
func (s *Session) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UsageCount++
	s.ErrorScore += s.MaxErrorScore
}

// IsBlockedStatusCode reports whether code is one of the session's
// blocked codes, excluding any in ignore.
func (s *Session) IsBlockedStatusCode(code int, ignore ...int) bool {
	for _, ig := range ignore {
		if ig == code {
			return false
		}
	}
	for _, c := range s.BlockedStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// sessionState is the JSON-serializable view of a Session for
// persistence, since http.CookieJar itself is not marshalable.
type sessionState struct {
	ID                  string         `json:"id"`
	UserData            map[string]any `json:"user_data"`
	CreatedAt           time.Time      `json:"created_at"`
	MaxAge              time.Duration  `json:"max_age"`
	UsageCount          int            `json:"usage_count"`
	MaxUsageCount       int            `json:"max_usage_count"`
	ErrorScore          float64        `json:"error_score"`
	MaxErrorScore       float64        `json:"max_error_score"`
	ErrorScoreDecrement float64        `json:"error_score_decrement"`
	BlockedStatusCodes  []int          `json:"blocked_status_codes"`
	Cookies             []cookieState  `json:"cookies"`
}

type cookieState struct {
	URL    string       `json:"url"`
	Cookie *http.Cookie `json:"cookie"`
}

// cookieOrigin is the fixed URL this port round-trips cookies against;
// the teacher's style favors explicit fixed-width state over
// reconstructing arbitrary jar internals.
const cookieOrigin = "https://session.local/"

func (s *Session) marshalState() (sessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, _ := url.Parse(cookieOrigin)
	var cookies []cookieState
	if s.Jar != nil {
		for _, c := range s.Jar.Cookies(u) {
			cookies = append(cookies, cookieState{URL: cookieOrigin, Cookie: c})
		}
	}
	return sessionState{
		ID:                  s.ID,
		UserData:            s.UserData,
		CreatedAt:           s.CreatedAt,
		MaxAge:              s.MaxAge,
		UsageCount:          s.UsageCount,
		MaxUsageCount:       s.MaxUsageCount,
		ErrorScore:          s.ErrorScore,
		MaxErrorScore:       s.MaxErrorScore,
		ErrorScoreDecrement: s.ErrorScoreDecrement,
		BlockedStatusCodes:  s.BlockedStatusCodes,
		Cookies:             cookies,
	}, nil
}

func sessionFromState(st sessionState) *Session {
	jar, _ := cookiejar.New(nil)
	if len(st.Cookies) > 0 {
		byURL := make(map[string][]*http.Cookie)
		for _, c := range st.Cookies {
			byURL[c.URL] = append(byURL[c.URL], c.Cookie)
		}
		for raw, cookies := range byURL {
			if u, err := url.Parse(raw); err == nil {
				jar.SetCookies(u, cookies)
			}
		}
	}
	if st.UserData == nil {
		st.UserData = make(map[string]any)
	}
	return &Session{
		ID:                  st.ID,
		UserData:            st.UserData,
		CreatedAt:           st.CreatedAt,
		MaxAge:              st.MaxAge,
		UsageCount:          st.UsageCount,
		MaxUsageCount:       st.MaxUsageCount,
		ErrorScore:          st.ErrorScore,
		MaxErrorScore:       st.MaxErrorScore,
		ErrorScoreDecrement: st.ErrorScoreDecrement,
		BlockedStatusCodes:  st.BlockedStatusCodes,
		Jar:                 jar,
	}
}

// KeyValueStore is the minimal persistence surface SessionPool needs;
// satisfied by internal/storage's in-memory and file-system clients.
type KeyValueStore interface {
	GetValue(key string) (json.RawMessage, bool, error)
	SetValue(key string, value any) error
	DeleteValue(key string) error
}

// Config tunes pool sizing and per-session defaults.
type Config struct {
	MaxPoolSize int

	SessionMaxAge              time.Duration
	SessionMaxUsageCount       int
	SessionMaxErrorScore       float64
	SessionErrorScoreDecrement float64

	PersistenceEnabled bool
	PersistenceKey     string // default CRAWLEE_SESSION_POOL_STATE

	Now func() time.Time
}

func (c *Config) withDefaults() {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 1000
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = 50 * time.Minute
	}
	if c.SessionMaxUsageCount <= 0 {
		c.SessionMaxUsageCount = 50
	}
	if c.SessionMaxErrorScore <= 0 {
		c.SessionMaxErrorScore = 3
	}
	if c.SessionErrorScoreDecrement <= 0 {
		c.SessionErrorScoreDecrement = 0.5
	}
	if c.PersistenceKey == "" {
		c.PersistenceKey = "CRAWLEE_SESSION_POOL_STATE"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ErrDuplicateSession describes an id already registered in the pool.
// AddSession does not return it: a duplicate is logged and otherwise
// ignored.
var ErrDuplicateSession = fmt.Errorf("session: duplicate session id")

// Pool is a bounded registry of Sessions, structured after
// observer.PIDTracker: one sync.RWMutex guarding a plain map.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg   Config
	store KeyValueStore
	log   zerolog.Logger
}

// NewPool builds a Pool. store may be nil when PersistenceEnabled is
// false.
func NewPool(cfg Config, store KeyValueStore, log zerolog.Logger) *Pool {
	cfg.withDefaults()
	return &Pool{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		store:    store,
		log:      log,
	}
}

type poolState struct {
	Sessions map[string]sessionState `json:"sessions"`
}

// Start restores persisted state if enabled and present, otherwise
// pre-creates sessions up to MaxPoolSize.
func (p *Pool) Start() error {
	if p.cfg.PersistenceEnabled && p.store != nil {
		raw, ok, err := p.store.GetValue(p.cfg.PersistenceKey)
		if err != nil {
			return fmt.Errorf("session: restore pool state: %w", err)
		}
		if ok {
			var st poolState
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("session: decode pool state: %w", err)
			}
			if len(st.Sessions) > 0 {
				p.mu.Lock()
				for id, ss := range st.Sessions {
					p.sessions[id] = sessionFromState(ss)
				}
				p.mu.Unlock()
				return nil
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.sessions) < p.cfg.MaxPoolSize {
		s := p.newSessionLocked()
		p.sessions[s.ID] = s
	}
	return nil
}

func (p *Pool) newSessionLocked() *Session {
	return NewSession(p.cfg.Now(), p.cfg.SessionMaxAge, p.cfg.SessionMaxUsageCount,
		p.cfg.SessionMaxErrorScore, p.cfg.SessionErrorScoreDecrement)
}

// GetSession returns a usable session, pruning retired sessions and
// minting a replacement when the random pick misses.
func (p *Pool) GetSession() *Session {
	now := p.cfg.Now()

	p.mu.RLock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	if len(ids) > 0 {
		pick := ids[rand.Intn(len(ids))]
		p.mu.RLock()
		s := p.sessions[pick]
		p.mu.RUnlock()
		if s != nil && s.IsUsable(now) {
			return s
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.sessions {
		if !s.IsUsable(now) {
			delete(p.sessions, id)
		}
	}
	fresh := p.newSessionLocked()
	p.sessions[fresh.ID] = fresh
	return fresh
}

// GetSessionByID returns the session with id if present and usable.
func (p *Pool) GetSessionByID(id string) *Session {
	p.mu.RLock()
	s, ok := p.sessions[id]
	p.mu.RUnlock()
	if !ok || !s.IsUsable(p.cfg.Now()) {
		return nil
	}
	return s
}

// AddSession inserts an externally constructed session. A duplicate
// id is logged and ignored.
func (p *Pool) AddSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sessions[s.ID]; exists {
		p.log.Warn().Str("session_id", s.ID).Msg("duplicate session id ignored")
		return
	}
	p.sessions[s.ID] = s
}

// Stats summarizes pool composition.
type Stats struct {
	Total, Usable, Retired int
}

// Stats reports the current total/usable/retired counts.
func (p *Pool) Stats() Stats {
	now := p.cfg.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Stats{Total: len(p.sessions)}
	for _, s := range p.sessions {
		if s.IsUsable(now) {
			st.Usable++
		} else {
			st.Retired++
		}
	}
	return st
}

// Persist writes the current pool state to the key-value store, if
// persistence is enabled.
func (p *Pool) Persist() error {
	if !p.cfg.PersistenceEnabled || p.store == nil {
		return nil
	}
	p.mu.RLock()
	st := poolState{Sessions: make(map[string]sessionState, len(p.sessions))}
	for id, s := range p.sessions {
		ss, err := s.marshalState()
		if err != nil {
			p.mu.RUnlock()
			return fmt.Errorf("session: marshal session %s: %w", id, err)
		}
		st.Sessions[id] = ss
	}
	p.mu.RUnlock()
	return p.store.SetValue(p.cfg.PersistenceKey, st)
}

// ResetStore clears persisted pool state.
func (p *Pool) ResetStore() error {
	if !p.cfg.PersistenceEnabled || p.store == nil {
		return nil
	}
	return p.store.DeleteValue(p.cfg.PersistenceKey)
}

// Stop persists final state if enabled.
func (p *Pool) Stop() error {
	return p.Persist()
}
