package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/nostrium/custodian/custodian/storage"
)

// Storage keys for durable daemon state.
const (
	keyProfiles      = "profiles"
	keyActivePubKey  = "active_pubkey"
	keyPinProtection = "pin_protection"
	keyOpenPrompts   = "open_prompts"
)

// --- Storage types ---

// RelayPolicy is the read/write preference a profile keeps per relay URL.
type RelayPolicy struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// PermissionGrant records an authorization decision for a host. Expirable
// grants lazily self-delete once their TTL has elapsed relative to
// CreatedAt; the deletion is persisted by the read that notices it.
type PermissionGrant struct {
	Condition AuthorizationCondition `json:"condition"`
	Level     int                    `json:"level"`
	CreatedAt int64                  `json:"created_at"`
}

// Expired reports whether the grant's condition has run out at now.
func (g PermissionGrant) Expired(now time.Time) bool {
	ttl, ok := g.Condition.TTL()
	if !ok {
		return false
	}
	return now.Unix()-g.CreatedAt > int64(ttl.Seconds())
}

// Profile is one stored identity. PrivateKey (plaintext hex) and
// EncryptedKey (EncryptedBlob JSON) are mutually exclusive; which one is
// set tags the key-material format.
type Profile struct {
	Name         string                     `json:"name,omitempty"`
	PrivateKey   string                     `json:"privateKey,omitempty"`
	EncryptedKey string                     `json:"encryptedKey,omitempty"`
	Relays       map[string]RelayPolicy     `json:"relays,omitempty"`
	Permissions  map[string]PermissionGrant `json:"permissions,omitempty"`
}

func (p *Profile) clone() *Profile {
	cp := &Profile{
		Name:         p.Name,
		PrivateKey:   p.PrivateKey,
		EncryptedKey: p.EncryptedKey,
	}
	if p.Relays != nil {
		cp.Relays = make(map[string]RelayPolicy, len(p.Relays))
		for k, v := range p.Relays {
			cp.Relays[k] = v
		}
	}
	if p.Permissions != nil {
		cp.Permissions = make(map[string]PermissionGrant, len(p.Permissions))
		for k, v := range p.Permissions {
			cp.Permissions[k] = v
		}
	}
	return cp
}

// --- Store ---

// ProfileStore owns every durable mutation of profiles and the
// active-identity pointer. The active identity is tracked by a separately
// persisted public key, never derived from key material, because the key
// material may be encrypted and resolving the active profile must not
// require an unlock.
//
// All mutations are read-merge-write over the freshest read, serialized
// by one mutex: a single-writer queue within this process. The storage
// layer offers no compare-and-set, so writes from other processes can
// still race ours; that residual window is accepted (see DESIGN.md).
type ProfileStore struct {
	mu    sync.Mutex
	store *storage.Store

	// onKeyChange runs after every active key-material change (set,
	// rotation, switch, delete-reelection). Callbacks run under the store
	// mutex and must not call back into the store.
	onKeyChange []func()
}

// NewProfileStore creates a profile store over the durable KV store.
func NewProfileStore(store *storage.Store) *ProfileStore {
	return &ProfileStore{store: store}
}

// OnKeyChange registers a callback fired whenever the active signing key
// changes identity.
func (s *ProfileStore) OnKeyChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKeyChange = append(s.onKeyChange, fn)
}

func (s *ProfileStore) fireKeyChange() {
	for _, fn := range s.onKeyChange {
		fn()
	}
}

func (s *ProfileStore) readProfiles() (map[string]*Profile, error) {
	raw, err := s.store.Get(keyProfiles)
	if err == storage.ErrKeyNotFound {
		return make(map[string]*Profile), nil
	}
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*Profile)
	if err := cbor.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("failed to decode profiles: %w", err)
	}
	return profiles, nil
}

func (s *ProfileStore) writeProfiles(profiles map[string]*Profile) error {
	raw, err := cbor.Marshal(profiles)
	if err != nil {
		return fmt.Errorf("failed to encode profiles: %w", err)
	}
	return s.store.Put(keyProfiles, raw)
}

func (s *ProfileStore) readActivePubKey() (string, error) {
	raw, err := s.store.Get(keyActivePubKey)
	if err == storage.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *ProfileStore) writeActivePubKey(pub string) error {
	if pub == "" {
		return s.store.Delete(keyActivePubKey)
	}
	return s.store.Put(keyActivePubKey, []byte(pub))
}

// repairActive enforces the "single profile implies active" invariant:
// if exactly one profile exists and no pointer is set, point at it. Runs
// after every mutating operation.
func (s *ProfileStore) repairActive(profiles map[string]*Profile, active string) (string, bool) {
	if active != "" || len(profiles) != 1 {
		return active, false
	}
	for pub := range profiles {
		return pub, true
	}
	return active, false
}

func sortedKeys(profiles map[string]*Profile) []string {
	keys := make([]string, 0, len(profiles))
	for k := range profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// checkKeyMaterial validates a profile's key fields against the mutual
// exclusivity rule and, when protection is on, the plaintext ban.
func (s *ProfileStore) checkKeyMaterial(p *Profile) error {
	if p.PrivateKey != "" && p.EncryptedKey != "" {
		return fmt.Errorf("profile carries both plaintext and encrypted key material")
	}
	if p.PrivateKey != "" {
		if !isHexKey(p.PrivateKey) {
			return fmt.Errorf("private key is not 64 hex characters")
		}
		enabled, err := s.pinProtectionEnabled()
		if err != nil {
			return err
		}
		if enabled {
			return ErrProtectionViolation
		}
	}
	return nil
}

// --- Profiles ---

// Profiles returns a copy of every stored profile keyed by public key.
func (s *ProfileStore) Profiles() (map[string]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.readProfiles()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Profile, len(profiles))
	for pub, p := range profiles {
		out[pub] = p.clone()
	}
	return out, nil
}

// AddProfile stores a new profile. When pub is empty it is derived from
// the plaintext private key. The first profile added becomes active.
func (s *ProfileStore) AddProfile(pub string, p *Profile) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkKeyMaterial(p); err != nil {
		return "", err
	}
	if pub == "" {
		if p.PrivateKey == "" {
			return "", fmt.Errorf("cannot derive a public key without plaintext key material")
		}
		derived, err := derivePublicKey(p.PrivateKey)
		if err != nil {
			return "", err
		}
		pub = derived
	} else if p.PrivateKey != "" {
		derived, err := derivePublicKey(p.PrivateKey)
		if err != nil {
			return "", err
		}
		if derived != pub {
			return "", fmt.Errorf("public key does not match the supplied private key")
		}
	}

	profiles, err := s.readProfiles()
	if err != nil {
		return "", err
	}
	if _, exists := profiles[pub]; exists {
		return "", fmt.Errorf("a profile for this public key already exists")
	}
	profiles[pub] = p.clone()
	if err := s.writeProfiles(profiles); err != nil {
		return "", err
	}

	active, err := s.readActivePubKey()
	if err != nil {
		return "", err
	}
	if repaired, changed := s.repairActive(profiles, active); changed {
		if err := s.writeActivePubKey(repaired); err != nil {
			return "", err
		}
		log.Info().Str("pubkey", repaired).Msg("elected sole profile as active")
		s.fireKeyChange()
	}
	return pub, nil
}

// UpdateProfile replaces the stored record for pub.
func (s *ProfileStore) UpdateProfile(pub string, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkKeyMaterial(p); err != nil {
		return err
	}

	profiles, err := s.readProfiles()
	if err != nil {
		return err
	}
	if _, exists := profiles[pub]; !exists {
		return fmt.Errorf("no profile for public key %q", pub)
	}
	profiles[pub] = p.clone()
	return s.writeProfiles(profiles)
}

// DeleteProfile removes a profile. Deleting the active profile re-points
// the active pointer at the first remaining profile (stable order), or
// clears it when none remain.
func (s *ProfileStore) DeleteProfile(pub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.readProfiles()
	if err != nil {
		return err
	}
	if _, exists := profiles[pub]; !exists {
		return fmt.Errorf("no profile for public key %q", pub)
	}
	delete(profiles, pub)
	if err := s.writeProfiles(profiles); err != nil {
		return err
	}

	active, err := s.readActivePubKey()
	if err != nil {
		return err
	}
	if active != pub {
		return nil
	}

	next := ""
	if keys := sortedKeys(profiles); len(keys) > 0 {
		next = keys[0]
	}
	if err := s.writeActivePubKey(next); err != nil {
		return err
	}
	log.Info().Str("deleted", pub).Str("active", next).Msg("re-elected active profile")
	s.fireKeyChange()
	return nil
}

// --- Active identity ---

// ActivePublicKey returns the persisted active-identity pointer, empty
// when no profile is active.
func (s *ProfileStore) ActivePublicKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readActivePubKey()
}

// SetActivePublicKey switches the active profile.
func (s *ProfileStore) SetActivePublicKey(pub string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.readProfiles()
	if err != nil {
		return err
	}
	if _, exists := profiles[pub]; !exists {
		return fmt.Errorf("no profile for public key %q", pub)
	}
	current, err := s.readActivePubKey()
	if err != nil {
		return err
	}
	if current == pub {
		return nil
	}
	if err := s.writeActivePubKey(pub); err != nil {
		return err
	}
	s.fireKeyChange()
	return nil
}

// ActiveProfile returns the active profile and its public key, or empty
// values when no profile is active.
func (s *ProfileStore) ActiveProfile() (string, *Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeProfile()
}

func (s *ProfileStore) activeProfile() (string, *Profile, error) {
	active, err := s.readActivePubKey()
	if err != nil {
		return "", nil, err
	}
	if active == "" {
		return "", nil, nil
	}
	profiles, err := s.readProfiles()
	if err != nil {
		return "", nil, err
	}
	p, ok := profiles[active]
	if !ok {
		log.Warn().Str("pubkey", active).Msg("active pointer references a missing profile")
		return "", nil, nil
	}
	return active, p.clone(), nil
}

// SetActivePrivateKey sets (or rotates) the active identity's plaintext
// key. The profile record moves to the newly derived public key,
// preserving its relays and permissions, and the active pointer follows.
func (s *ProfileStore) SetActivePrivateKey(privateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := &Profile{PrivateKey: privateKey}
	if err := s.checkKeyMaterial(candidate); err != nil {
		return err
	}
	newPub, err := derivePublicKey(privateKey)
	if err != nil {
		return err
	}

	profiles, err := s.readProfiles()
	if err != nil {
		return err
	}
	active, err := s.readActivePubKey()
	if err != nil {
		return err
	}

	record := &Profile{}
	if active != "" {
		if existing, ok := profiles[active]; ok {
			record = existing
			delete(profiles, active)
		}
	}
	record.PrivateKey = privateKey
	record.EncryptedKey = ""
	profiles[newPub] = record

	if err := s.writeProfiles(profiles); err != nil {
		return err
	}
	if err := s.writeActivePubKey(newPub); err != nil {
		return err
	}
	s.fireKeyChange()
	return nil
}

// SetActiveEncryptedKey replaces the active profile's key material with a
// PIN-encrypted blob, dropping any plaintext.
func (s *ProfileStore) SetActiveEncryptedKey(blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.readActivePubKey()
	if err != nil {
		return err
	}
	if active == "" {
		return ErrNoPrivateKey
	}
	profiles, err := s.readProfiles()
	if err != nil {
		return err
	}
	p, ok := profiles[active]
	if !ok {
		return ErrNoPrivateKey
	}
	p.EncryptedKey = blob
	p.PrivateKey = ""
	if err := s.writeProfiles(profiles); err != nil {
		return err
	}
	s.fireKeyChange()
	return nil
}

// ActiveKeyMaterial returns the active profile's key material, tagged by
// format: exactly one of plain/encrypted is non-empty when a key exists.
func (s *ProfileStore) ActiveKeyMaterial() (plain string, encrypted string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, p, err := s.activeProfile()
	if err != nil || p == nil {
		return "", "", err
	}
	return p.PrivateKey, p.EncryptedKey, nil
}

// --- PIN protection flag ---

// PinProtectionEnabled reports whether key material must be encrypted at
// rest.
func (s *ProfileStore) PinProtectionEnabled() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinProtectionEnabled()
}

func (s *ProfileStore) pinProtectionEnabled() (bool, error) {
	raw, err := s.store.Get(keyPinProtection)
	if err == storage.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var enabled bool
	if err := cbor.Unmarshal(raw, &enabled); err != nil {
		return false, fmt.Errorf("failed to decode pin protection flag: %w", err)
	}
	return enabled, nil
}

// SetPinProtection toggles the at-rest protection flag.
func (s *ProfileStore) SetPinProtection(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := cbor.Marshal(enabled)
	if err != nil {
		return err
	}
	return s.store.Put(keyPinProtection, raw)
}

// --- Relays ---

// ActiveRelays returns the active profile's relay map, never nil.
func (s *ProfileStore) ActiveRelays() (map[string]RelayPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, p, err := s.activeProfile()
	if err != nil {
		return nil, err
	}
	if p == nil || p.Relays == nil {
		return map[string]RelayPolicy{}, nil
	}
	return p.Relays, nil
}

// SetActiveRelays replaces the active profile's relay map. Relay URLs
// must be websocket URLs.
func (s *ProfileStore) SetActiveRelays(relays map[string]RelayPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for url := range relays {
		if !isValidRelayURL(url) {
			return fmt.Errorf("invalid relay url %q", url)
		}
	}

	active, err := s.readActivePubKey()
	if err != nil {
		return err
	}
	if active == "" {
		return fmt.Errorf("no active profile")
	}
	profiles, err := s.readProfiles()
	if err != nil {
		return err
	}
	p, ok := profiles[active]
	if !ok {
		return fmt.Errorf("no active profile")
	}
	p.Relays = relays
	return s.writeProfiles(profiles)
}

func isValidRelayURL(url string) bool {
	return strings.TrimSpace(url) != "" && strings.HasPrefix(url, "wss://")
}

// --- Permissions ---

// ActivePermissions returns the active profile's grants after purging
// expired ones. The purge persists immediately, so an expired grant is
// gone from storage after the read that noticed it.
func (s *ProfileStore) ActivePermissions() (map[string]PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.readActivePubKey()
	if err != nil {
		return nil, err
	}
	if active == "" {
		return map[string]PermissionGrant{}, nil
	}
	profiles, err := s.readProfiles()
	if err != nil {
		return nil, err
	}
	p, ok := profiles[active]
	if !ok || p.Permissions == nil {
		return map[string]PermissionGrant{}, nil
	}

	now := time.Now()
	purged := false
	for host, grant := range p.Permissions {
		if grant.Expired(now) {
			delete(p.Permissions, host)
			purged = true
			log.Debug().Str("host", host).Str("condition", string(grant.Condition)).Msg("purged expired grant")
		}
	}
	if purged {
		if err := s.writeProfiles(profiles); err != nil {
			return nil, err
		}
	}

	out := make(map[string]PermissionGrant, len(p.Permissions))
	for host, grant := range p.Permissions {
		out[host] = grant
	}
	return out, nil
}

// PermissionLevel returns the level currently granted to host, 0 when
// nothing (or nothing unexpired) is granted.
func (s *ProfileStore) PermissionLevel(host string) (int, error) {
	grants, err := s.ActivePermissions()
	if err != nil {
		return 0, err
	}
	return grants[host].Level, nil
}

// AddActivePermission persists a grant for host on the active profile.
func (s *ProfileStore) AddActivePermission(host string, condition AuthorizationCondition, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.readActivePubKey()
	if err != nil {
		return err
	}
	if active == "" {
		return fmt.Errorf("no active profile to grant against")
	}
	profiles, err := s.readProfiles()
	if err != nil {
		return err
	}
	p, ok := profiles[active]
	if !ok {
		return fmt.Errorf("no active profile to grant against")
	}
	if p.Permissions == nil {
		p.Permissions = make(map[string]PermissionGrant)
	}
	p.Permissions[host] = PermissionGrant{
		Condition: condition,
		Level:     level,
		CreatedAt: time.Now().Unix(),
	}
	return s.writeProfiles(profiles)
}

// RemoveActivePermission revokes host's grant on the active profile.
func (s *ProfileStore) RemoveActivePermission(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.readActivePubKey()
	if err != nil {
		return err
	}
	if active == "" {
		return nil
	}
	profiles, err := s.readProfiles()
	if err != nil {
		return err
	}
	p, ok := profiles[active]
	if !ok || p.Permissions == nil {
		return nil
	}
	if _, exists := p.Permissions[host]; !exists {
		return nil
	}
	delete(p.Permissions, host)
	return s.writeProfiles(profiles)
}

// --- Export / import ---

// ExportProfile renders a profile as JSON for user backup.
func (s *ProfileStore) ExportProfile(pub string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.readProfiles()
	if err != nil {
		return "", err
	}
	p, ok := profiles[pub]
	if !ok {
		return "", fmt.Errorf("no profile for public key %q", pub)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ImportProfile parses a backup produced by ExportProfile and stores it.
func (s *ProfileStore) ImportProfile(data string) (string, error) {
	var p Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return "", fmt.Errorf("invalid profile backup: %w", err)
	}
	return s.AddProfile("", &p)
}
