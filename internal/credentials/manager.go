package credentials

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the credential store file. Every operation is
// read-modify-persist under one mutex, and the file is re-read on each call
// so the persisted state stays the single source of truth rather than a
// cached snapshot.
type Manager struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewManager returns a manager over <homeDir>/credentials.json.
func NewManager(homeDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		path:   StorePath(homeDir),
		logger: logger,
		now:    time.Now,
	}
}

// load reads the store and applies the self-healing pass; healed state is
// re-persisted immediately, so the file recovers across restarts.
func (m *Manager) load() (*storeFile, error) {
	s, err := loadStore(m.path)
	if err != nil {
		return nil, err
	}
	if s.heal(m.now()) {
		if err := s.save(m.path); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreatePairingCode mints a live pairing code and persists its digest. The
// returned plaintext is shown to the user exactly once; it is never
// retrievable again. A zero ttl means the 10-minute default; anything below
// the 30-second floor is raised to it.
func (m *Manager) CreatePairingCode(label string, ttl time.Duration) (PairingOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load()
	if err != nil {
		return PairingOffer{}, err
	}

	label = normalizeLabel(label)
	if ttl <= 0 {
		ttl = defaultPairingTTL
	}
	if ttl < minPairingTTL {
		ttl = minPairingTTL
	}

	code, err := newPairingSecret()
	if err != nil {
		return PairingOffer{}, err
	}
	hash, err := hashSecret(code)
	if err != nil {
		return PairingOffer{}, err
	}

	now := m.now()
	pc := PairingCode{
		ID:         uuid.NewString(),
		SecretHash: hash,
		Label:      label,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	s.PairingCodes = append(s.PairingCodes, pc)
	if err := s.save(m.path); err != nil {
		return PairingOffer{}, err
	}
	m.logger.Info("credentials: pairing code created",
		"pairing_id", pc.ID, "label", label, "expires_at", pc.ExpiresAt)
	return PairingOffer{Code: code, Label: label, ExpiresAt: pc.ExpiresAt}, nil
}

// ConsumePairingCode exchanges a live pairing code for a fresh access token.
// The token label falls back to the pairing code's own label when omitted.
// Returns (nil, nil) whenever the code cannot be consumed (wrong code,
// already used, expired) without distinguishing the cause, so an untrusted
// requester cannot probe which check failed.
func (m *Manager) ConsumePairingCode(code, label string) (*TokenGrant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load()
	if err != nil {
		return nil, err
	}

	now := m.now()
	for i := range s.PairingCodes {
		pc := &s.PairingCodes[i]
		if !pc.live(now) || !matchesSecret(pc.SecretHash, code) {
			continue
		}
		used := now
		pc.UsedAt = &used

		tokenLabel := strings.TrimSpace(label)
		if tokenLabel == "" {
			tokenLabel = pc.Label
		}
		grant, err := s.mintToken(truncateLabel(tokenLabel), now)
		if err != nil {
			return nil, err
		}
		if err := s.save(m.path); err != nil {
			return nil, err
		}
		m.logger.Info("credentials: pairing code consumed",
			"pairing_id", pc.ID, "client_id", grant.Client.ID, "label", grant.Client.Label)
		return grant, nil
	}
	return nil, nil
}

// Authenticate digest-matches the presented token against active tokens
// only. Returns (nil, nil) for empty input, no match, or a revoked token.
// On success LastUsedAt is refreshed and persisted.
func (m *Manager) Authenticate(token string) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load()
	if err != nil {
		return nil, err
	}

	for i := range s.Tokens {
		t := &s.Tokens[i]
		if !t.active() || !matchesSecret(t.SecretHash, token) {
			continue
		}
		lastUsed := m.now()
		t.LastUsedAt = &lastUsed
		if err := s.save(m.path); err != nil {
			return nil, err
		}
		return &Client{ID: t.ID, Label: t.Label, TokenIssuedAt: t.CreatedAt}, nil
	}
	return nil, nil
}

// RotateToken revokes the presented active token and mints a replacement
// carrying the same label, atomically within one persist. Returns (nil, nil)
// if the input does not match an active token.
func (m *Manager) RotateToken(current string) (*TokenGrant, error) {
	current = strings.TrimSpace(current)
	if current == "" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load()
	if err != nil {
		return nil, err
	}

	now := m.now()
	for i := range s.Tokens {
		t := &s.Tokens[i]
		if !t.active() || !matchesSecret(t.SecretHash, current) {
			continue
		}
		oldID, oldLabel := t.ID, t.Label
		revoked := now
		t.RevokedAt = &revoked
		grant, err := s.mintToken(oldLabel, now)
		if err != nil {
			return nil, err
		}
		if err := s.save(m.path); err != nil {
			return nil, err
		}
		m.logger.Info("credentials: token rotated",
			"old_client_id", oldID, "client_id", grant.Client.ID, "label", oldLabel)
		return grant, nil
	}
	return nil, nil
}

// RevokeClient marks the named active token revoked. Returns false when no
// active token has that id.
func (m *Manager) RevokeClient(clientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load()
	if err != nil {
		return false, err
	}

	for i := range s.Tokens {
		t := &s.Tokens[i]
		if t.ID != clientID || !t.active() {
			continue
		}
		revoked := m.now()
		t.RevokedAt = &revoked
		if err := s.save(m.path); err != nil {
			return false, err
		}
		m.logger.Info("credentials: client revoked", "client_id", clientID, "label", t.Label)
		return true, nil
	}
	return false, nil
}

// Summary reports the current credential state. Loading prunes dead pairing
// codes and re-persists, so the snapshot doubles as a maintenance pass.
func (m *Manager) Summary() (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load()
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{ActiveTokens: s.activeTokenCount()}
	now := m.now()
	for _, pc := range s.PairingCodes {
		if !pc.live(now) {
			continue
		}
		sum.PendingPairingCodes++
		if sum.LatestPairingExpiry == nil || pc.ExpiresAt.After(*sum.LatestPairingExpiry) {
			expiry := pc.ExpiresAt
			sum.LatestPairingExpiry = &expiry
		}
	}
	return sum, nil
}

// Clients lists the active clients, oldest token first.
func (m *Manager) Clients() ([]Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.load()
	if err != nil {
		return nil, err
	}

	clients := make([]Client, 0, len(s.Tokens))
	for _, t := range s.Tokens {
		if t.active() {
			clients = append(clients, Client{ID: t.ID, Label: t.Label, TokenIssuedAt: t.CreatedAt})
		}
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].TokenIssuedAt.Before(clients[j].TokenIssuedAt)
	})
	return clients, nil
}

func normalizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return defaultLabel
	}
	return truncateLabel(label)
}

func truncateLabel(label string) string {
	runes := []rune(label)
	if len(runes) > maxLabelLen {
		return string(runes[:maxLabelLen])
	}
	return label
}
