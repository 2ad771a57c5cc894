// Package creds implements the credential store. The store acquires
// and caches one anonymous blind-signature credential per validity
// epoch, persisting it across restarts so a warm client does not talk
// to the binder at all.
package creds

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/brume-vpn/brume/internal/binder"
	"github.com/brume-vpn/brume/internal/bytesx"
	"github.com/brume-vpn/brume/internal/cachedb"
	"github.com/brume-vpn/brume/internal/model"
)

const (
	// epochLength is the validity window of one credential.
	epochLength = 24 * time.Hour

	// renewMargin is the safety margin before epoch end: a credential
	// closer than this to expiry is replaced with one for the next epoch.
	renewMargin = time.Hour

	// digestSize is the size of the random token digest.
	digestSize = 32
)

// timeNow is overridable in tests.
var timeNow = time.Now

// EpochOf returns the epoch containing the given time.
func EpochOf(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(epochLength/time.Second)
}

// EpochEnd returns the instant the given epoch ends.
func EpochEnd(epoch uint64) time.Time {
	return time.Unix(int64(epoch+1)*int64(epochLength/time.Second), 0)
}

// Store acquires and caches credentials. The zero value is invalid;
// use [NewStore]. Store is safe for concurrent use: concurrent callers
// during an acquisition share the single in-flight exchange.
type Store struct {
	logger   model.Logger
	client   binder.Client
	blinder  binder.Blinder
	username string
	password string
	tiers    []string
	db       *cachedb.DB

	sf singleflight.Group

	mu     sync.Mutex
	cached *model.Credential
}

// NewStore creates a credential store for the given account. The tiers
// are tried in order until the binder accepts one.
func NewStore(logger model.Logger, client binder.Client, blinder binder.Blinder,
	username, password string, tiers []string, db *cachedb.DB) *Store {
	return &Store{
		logger:   logger,
		client:   client,
		blinder:  blinder,
		username: username,
		password: password,
		tiers:    tiers,
		db:       db,
	}
}

// cacheKey scopes the persisted credential by epoch and username, so
// switching accounts never reuses another account's token.
func (s *Store) cacheKey(epoch uint64) string {
	return fmt.Sprintf("credential.%d-%s", epoch, s.username)
}

// targetEpoch returns the epoch to request a credential for: the
// current one, or the next one when we are within the renewal margin.
func targetEpoch(now time.Time) uint64 {
	epoch := EpochOf(now)
	if EpochEnd(epoch).Sub(now) <= renewMargin {
		epoch++
	}
	return epoch
}

// Get returns a valid credential, acquiring one from the binder when
// nothing usable is cached. It never returns an expired credential.
//
// Errors wrap [model.ErrAuthUnavailable] when the binder could not be
// reached (retry with backoff) and [model.ErrAuthRejected] when the
// binder refused the account (do not retry).
func (s *Store) Get(ctx context.Context) (*model.Credential, error) {
	now := timeNow()
	epoch := targetEpoch(now)

	s.mu.Lock()
	if c := s.cached; c != nil && c.Epoch == epoch && !c.Expired(now) {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	// Collapse concurrent acquisitions for the same epoch into one
	// binder exchange.
	v, err, _ := s.sf.Do(strconv.FormatUint(epoch, 10), func() (any, error) {
		return s.acquire(ctx, epoch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Credential), nil
}

// Epoch returns the epoch of the cached credential, zero if none.
func (s *Store) Epoch() uint64 {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.cached == nil {
		return 0
	}
	return s.cached.Epoch
}

// Invalidate discards the cached credential for the given epoch. Call
// it when a bridge or the binder rejects a credential we believed
// valid, so the next [Store.Get] performs a fresh exchange.
func (s *Store) Invalidate(epoch uint64) {
	s.mu.Lock()
	if s.cached != nil && s.cached.Epoch == epoch {
		s.cached = nil
	}
	s.mu.Unlock()
	if s.db != nil {
		if err := s.db.Purge(s.cacheKey(epoch)); err != nil {
			s.logger.Warnf("creds: cannot purge credential: %s", err.Error())
		}
	}
}

// acquire loads the credential for the epoch from the persistent cache
// or performs a fresh blind-signature exchange.
func (s *Store) acquire(ctx context.Context, epoch uint64) (*model.Credential, error) {
	now := timeNow()
	if s.db != nil {
		var cred model.Credential
		if s.db.GetStale(s.cacheKey(epoch), &cred) &&
			cred.Epoch == epoch && !cred.Expired(now) {
			s.rememberLocked(&cred)
			return &cred, nil
		}
	}

	s.logger.Debugf("creds: acquiring credential for epoch %d", epoch)
	for _, tier := range s.tiers {
		cred, err := s.exchange(ctx, tier, epoch)
		if errors.Is(err, binder.ErrWrongTier) {
			s.logger.Debugf("creds: account does not hold tier %q", tier)
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.db != nil {
			if err := s.db.Put(s.cacheKey(epoch), cred); err != nil {
				s.logger.Warnf("creds: cannot persist credential: %s", err.Error())
			}
		}
		s.rememberLocked(cred)
		s.logger.Infof("creds: obtained %q credential for epoch %d", tier, epoch)
		return cred, nil
	}
	return nil, fmt.Errorf("%w: no subscription tier worked", model.ErrAuthRejected)
}

func (s *Store) rememberLocked(cred *model.Credential) {
	s.mu.Lock()
	s.cached = cred
	s.mu.Unlock()
}

// exchange performs one blind-signature exchange for the given tier.
func (s *Store) exchange(ctx context.Context, tier string, epoch uint64) (*model.Credential, error) {
	signingKey, err := s.client.EpochSigningKey(ctx, tier, epoch)
	if err != nil {
		return nil, classify(err)
	}

	digest, err := bytesx.GenRandomBytes(digestSize)
	if err != nil {
		return nil, err
	}
	blinded, secret, err := s.blinder.Blind(signingKey, digest)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Authenticate(ctx, &binder.AuthRequest{
		Username:      s.username,
		Password:      s.password,
		Tier:          tier,
		Epoch:         epoch,
		BlindedDigest: blinded,
	})
	if err != nil {
		return nil, classify(err)
	}

	signature, err := s.blinder.Unblind(signingKey, resp.BlindSignature, secret)
	if err != nil {
		return nil, err
	}
	if !s.blinder.Verify(signingKey, digest, signature) {
		return nil, fmt.Errorf("%w: binder returned an invalid signature", model.ErrAuthUnavailable)
	}

	return &model.Credential{
		Tier:               tier,
		Epoch:              epoch,
		UnblindedDigest:    digest,
		UnblindedSignature: signature,
		ExpiresAt:          EpochEnd(epoch),
	}, nil
}

// classify maps binder errors onto the client error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, binder.ErrWrongTier):
		return err
	case errors.Is(err, binder.ErrRejected):
		return fmt.Errorf("%w: %s", model.ErrAuthRejected, err.Error())
	default:
		return fmt.Errorf("%w: %s", model.ErrAuthUnavailable, err.Error())
	}
}
