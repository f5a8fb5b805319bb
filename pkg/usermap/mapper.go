package usermap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/usercache"
)

const hotCacheSize = 2048

// Mapper resolves JIRA user objects to Lark user references. Resolution
// during a sync pass is non-blocking: it answers from cache only, parking
// unknown usernames as pending. Actual directory lookups run out-of-band
// via ResolvePending.
type Mapper struct {
	store   usercache.Store
	lark    lark.Client
	domains []string
	logger  *logrus.Entry

	hot *lru.Cache[string, *usercache.Mapping]

	mu      sync.Mutex
	pending map[string]bool
}

// NewMapper creates a user mapper. domains is the ordered candidate-email
// domain list from configuration.
func NewMapper(store usercache.Store, larkClient lark.Client, domains []string, logger *logrus.Logger) (*Mapper, error) {
	if logger == nil {
		logger = logrus.New()
	}
	hot, err := lru.New[string, *usercache.Mapping](hotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create user mapping cache: %w", err)
	}
	return &Mapper{
		store:   store,
		lark:    larkClient,
		domains: domains,
		logger:  logger.WithField("component", "user-mapper"),
		hot:     hot,
		pending: make(map[string]bool),
	}, nil
}

// UsernameFor derives the cache key for a raw JIRA user object: the part
// before "@" of emailAddress when present, else the whole name. ok is false
// when neither identifier exists.
func UsernameFor(user map[string]interface{}) (string, bool) {
	if email, ok := user["emailAddress"].(string); ok && email != "" {
		username := email
		if idx := strings.Index(email, "@"); idx >= 0 {
			username = email[:idx]
		}
		username = strings.TrimSpace(username)
		if username != "" {
			return username, true
		}
	}
	if name, ok := user["name"].(string); ok {
		name = strings.TrimSpace(name)
		if name != "" {
			return name, true
		}
	}
	return "", false
}

// ResolveUser answers from cache only. A resolved mapping yields a
// list-of-one user reference; tombstoned, pending, and first-sighted
// usernames all yield an empty list. First sightings are written as pending
// rows and collected for end-of-cycle reporting.
func (m *Mapper) ResolveUser(user map[string]interface{}) []map[string]interface{} {
	username, ok := UsernameFor(user)
	if !ok {
		return []map[string]interface{}{}
	}

	if mapping, ok := m.hot.Get(username); ok {
		return m.referencesFor(mapping)
	}

	mapping, err := m.store.Get(username)
	if err != nil {
		m.logger.WithError(err).WithField("username", username).Warn("user cache read failed")
		return []map[string]interface{}{}
	}
	if mapping != nil {
		m.hot.Add(username, mapping)
		return m.referencesFor(mapping)
	}

	// First sighting: park as pending, resolve later.
	pendingRow := &usercache.Mapping{Username: username, IsPending: true}
	if err := m.store.Set(pendingRow); err != nil {
		m.logger.WithError(err).WithField("username", username).Warn("failed to park pending user")
	} else {
		m.hot.Add(username, pendingRow)
	}

	m.mu.Lock()
	m.pending[username] = true
	m.mu.Unlock()

	return []map[string]interface{}{}
}

func (m *Mapper) referencesFor(mapping *usercache.Mapping) []map[string]interface{} {
	if !mapping.Resolved() {
		return []map[string]interface{}{}
	}
	return []map[string]interface{}{{"id": mapping.LarkUserID}}
}

// ReportPending returns and clears the usernames first sighted this cycle.
func (m *Mapper) ReportPending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	usernames := make([]string, 0, len(m.pending))
	for username := range m.pending {
		usernames = append(usernames, username)
	}
	m.pending = make(map[string]bool)
	sort.Strings(usernames)
	return usernames
}

// CandidateEmails composes the lookup emails for a username from the domain
// list, in order. An entry of the form ".suffix@example.com" composes
// "username.suffix@example.com"; a bare domain composes "username@domain".
func (m *Mapper) CandidateEmails(username string) []string {
	emails := make([]string, 0, len(m.domains))
	for _, domain := range m.domains {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}
		if strings.HasPrefix(domain, ".") {
			emails = append(emails, username+domain)
		} else {
			emails = append(emails, username+"@"+domain)
		}
	}
	return emails
}

// PerformLookup resolves one username against the Lark directory, trying
// each candidate email in order. The first hit writes the resolved row,
// clearing any pending or tombstone state; exhausting every candidate
// writes an is_empty tombstone.
func (m *Mapper) PerformLookup(ctx context.Context, username string) (*usercache.Mapping, error) {
	for _, email := range m.CandidateEmails(username) {
		ids, err := m.lark.BatchGetUserIDs(ctx, []string{email})
		if err != nil {
			return nil, fmt.Errorf("directory lookup failed for %s: %w", email, err)
		}
		userID, ok := ids[email]
		if !ok || userID == "" {
			continue
		}

		mapping := &usercache.Mapping{
			Username:   username,
			LarkEmail:  email,
			LarkUserID: userID,
			LarkName:   username,
		}
		if err := m.store.Set(mapping); err != nil {
			return nil, err
		}
		m.hot.Add(username, mapping)
		m.logger.WithFields(logrus.Fields{
			"username":   username,
			"lark_email": email,
		}).Info("user mapping resolved")
		return mapping, nil
	}

	tombstone := &usercache.Mapping{Username: username, IsEmpty: true}
	if err := m.store.Set(tombstone); err != nil {
		return nil, err
	}
	m.hot.Add(username, tombstone)
	m.logger.WithField("username", username).Info("user not found in any domain, tombstoned")
	return tombstone, nil
}

// ResolvePending runs PerformLookup over every pending row in the store and
// returns how many resolved to a real user. Lookup failures leave the row
// pending for the next round.
func (m *Mapper) ResolvePending(ctx context.Context) (resolved, total int, err error) {
	usernames, err := m.store.ListPending()
	if err != nil {
		return 0, 0, err
	}

	for _, username := range usernames {
		mapping, err := m.PerformLookup(ctx, username)
		if err != nil {
			m.logger.WithError(err).WithField("username", username).Warn("pending user lookup failed")
			continue
		}
		if mapping.Resolved() {
			resolved++
		}
	}
	return resolved, len(usernames), nil
}

// Stats exposes the backing store's counters.
func (m *Mapper) Stats() (*usercache.Stats, error) {
	return m.store.Stats()
}

// InvalidateHot drops the in-memory layer, forcing store reads.
func (m *Mapper) InvalidateHot() {
	m.hot.Purge()
}
