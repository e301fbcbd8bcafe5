package creds

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Version tags the SNMP protocol generation a credential applies to.
type Version string

const (
	V1  Version = "v1"
	V2c Version = "v2c"
	V3  Version = "v3"
)

// Credential is one stored SNMP credential. Secret material stays encrypted
// until the moment of use; Credential values are safe to log.
type Credential struct {
	ID        string
	Version   Version
	Priority  int
	IsDefault bool

	communityCipher []byte
	v3User          string
	v3AuthProto     string
	authCipher      []byte
	v3PrivProto     string
	privCipher      []byte
}

// Decrypted carries plaintext secret material for a single probe. Never log
// this type or its fields.
type Decrypted struct {
	Version   Version
	Community string
	User      string
	AuthProto string
	AuthPass  string
	PrivProto string
	PrivPass  string
}

// Store serves decrypted SNMP credentials per device profile. Credentials are
// loaded once at startup and on explicit Reload; decryption happens at use.
type Store struct {
	pool    *pgxpool.Pool
	keyring *Keyring

	mu        sync.RWMutex
	byProfile map[string]Credential
	fallback  *Credential // the single is_default credential, if any
}

// NewStore loads all credentials from the relational store.
func NewStore(ctx context.Context, pool *pgxpool.Pool, keyring *Keyring) (*Store, error) {
	s := &Store{pool: pool, keyring: keyring}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the snmp_credentials table. At most one default credential
// is accepted; a second one is a configuration error and the old set stays
// active.
func (s *Store) Reload(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, version, priority, is_default,
		       community_cipher, v3_user, v3_auth_proto, v3_auth_cipher, v3_priv_proto, v3_priv_cipher,
		       profile_id
		FROM snmp_credentials`)
	if err != nil {
		return fmt.Errorf("load snmp credentials: %w", err)
	}
	defer rows.Close()

	byProfile := make(map[string]Credential)
	var fallback *Credential
	type loaded struct {
		cred    Credential
		profile string
	}
	var all []loaded
	for rows.Next() {
		var c Credential
		var profile string
		if err := rows.Scan(&c.ID, &c.Version, &c.Priority, &c.IsDefault,
			&c.communityCipher, &c.v3User, &c.v3AuthProto, &c.authCipher, &c.v3PrivProto, &c.privCipher,
			&profile); err != nil {
			return err
		}
		all = append(all, loaded{cred: c, profile: profile})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// Lowest priority rank wins when a profile has several credentials.
	sort.SliceStable(all, func(i, j int) bool { return all[i].cred.Priority < all[j].cred.Priority })
	for _, l := range all {
		if _, exists := byProfile[l.profile]; !exists && l.profile != "" {
			byProfile[l.profile] = l.cred
		}
		if l.cred.IsDefault {
			if fallback != nil {
				return fmt.Errorf("multiple default snmp credentials (%s, %s)", fallback.ID, l.cred.ID)
			}
			c := l.cred
			fallback = &c
		}
	}

	s.mu.Lock()
	s.byProfile = byProfile
	s.fallback = fallback
	s.mu.Unlock()
	return nil
}

// ForProfile decrypts the credential for a device's SNMP profile, falling
// back to the organization default. Decryption is authenticated and fails
// closed: a tampered ciphertext yields an error, never a garbage community.
func (s *Store) ForProfile(profileID string) (Decrypted, error) {
	s.mu.RLock()
	cred, ok := s.byProfile[profileID]
	if !ok && s.fallback != nil {
		cred, ok = *s.fallback, true
	}
	s.mu.RUnlock()
	if !ok {
		return Decrypted{}, fmt.Errorf("no snmp credential for profile %q and no default", profileID)
	}
	return s.decrypt(cred)
}

func (s *Store) decrypt(c Credential) (Decrypted, error) {
	d := Decrypted{Version: c.Version}
	switch c.Version {
	case V1, V2c:
		community, err := s.keyring.Decrypt(c.communityCipher)
		if err != nil {
			return Decrypted{}, err
		}
		d.Community = community
	case V3:
		authPass, err := s.keyring.Decrypt(c.authCipher)
		if err != nil {
			return Decrypted{}, err
		}
		privPass, err := s.keyring.Decrypt(c.privCipher)
		if err != nil {
			return Decrypted{}, err
		}
		d.User = c.v3User
		d.AuthProto = c.v3AuthProto
		d.AuthPass = authPass
		d.PrivProto = c.v3PrivProto
		d.PrivPass = privPass
	default:
		return Decrypted{}, fmt.Errorf("unknown snmp version %q", c.Version)
	}
	return d, nil
}
