// Package directory maintains the candidate bridge set. The set is
// fetched from the binder with the current credential, refreshed on a
// fixed interval, swapped atomically, and kept stale-but-usable when
// the binder cannot be reached.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brume-vpn/brume/internal/binder"
	"github.com/brume-vpn/brume/internal/cachedb"
	"github.com/brume-vpn/brume/internal/creds"
	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/workers"
)

const (
	// bridgeTTL is how long a fetched bridge list stays fresh on disk.
	bridgeTTL = 5 * time.Minute

	// refreshInterval is the periodic refresh cadence.
	refreshInterval = 10 * time.Minute

	// refreshTimeout bounds one refresh round trip.
	refreshTimeout = 2 * time.Minute
)

var serviceName = "directory"

// Directory is the bridge directory. The zero value is invalid; use
// [New]. Directory is safe for concurrent use.
type Directory struct {
	logger   model.Logger
	client   binder.Client
	creds    *creds.Store
	db       *cachedb.DB
	username string

	// onUpdate is invoked with every new descriptor set, outside of
	// internal locks.
	onUpdate func([]*model.BridgeDescriptor)

	mu      sync.Mutex
	current []*model.BridgeDescriptor
}

// New creates a [Directory]. The onUpdate callback receives every
// accepted descriptor set, including the one seeded from cache.
func New(logger model.Logger, client binder.Client, credsStore *creds.Store,
	db *cachedb.DB, username string, onUpdate func([]*model.BridgeDescriptor)) *Directory {
	return &Directory{
		logger:   logger,
		client:   client,
		creds:    credsStore,
		db:       db,
		username: username,
		onUpdate: onUpdate,
	}
}

// cacheKey scopes the persisted bridge list by username.
func (d *Directory) cacheKey() string {
	return "bridges-" + d.username
}

// Bridges returns the current descriptor set.
func (d *Directory) Bridges() []*model.BridgeDescriptor {
	defer d.mu.Unlock()
	d.mu.Lock()
	return d.current
}

// LoadCached seeds the descriptor set from the persistent cache, to
// skip a binder round trip on warm start. It returns whether anything
// was loaded.
func (d *Directory) LoadCached() bool {
	if d.db == nil {
		return false
	}
	var list []*model.BridgeDescriptor
	if !d.db.Get(d.cacheKey(), bridgeTTL, &list) || len(list) == 0 {
		return false
	}
	d.swap(list)
	return true
}

// Refresh fetches the current bridge list and atomically replaces the
// previous set. On transient failure the previous set is retained and
// the returned error wraps [model.ErrDirectoryStale] when a usable set
// remains available.
func (d *Directory) Refresh(ctx context.Context) error {
	cred, err := d.creds.Get(ctx)
	if err != nil {
		return d.keepStale(err)
	}
	list, err := d.client.FetchBridges(ctx, cred)
	if err != nil {
		return d.keepStale(err)
	}
	if d.db != nil {
		if err := d.db.Put(d.cacheKey(), list); err != nil {
			d.logger.Warnf("%s: cannot persist bridges: %s", serviceName, err.Error())
		}
	}
	d.swap(list)
	d.logger.Infof("%s: refreshed %d bridges", serviceName, len(list))
	return nil
}

// Purge drops the persisted bridge list. The session manager calls it
// when a failover round exhausts, so a bad cached list dies fast.
func (d *Directory) Purge() {
	if d.db == nil {
		return
	}
	if err := d.db.Purge(d.cacheKey()); err != nil {
		d.logger.Warnf("%s: cannot purge bridges: %s", serviceName, err.Error())
	}
}

// keepStale falls back to the previous or persisted set, tagging the
// error as soft when something usable remains.
func (d *Directory) keepStale(cause error) error {
	d.mu.Lock()
	haveCurrent := len(d.current) > 0
	d.mu.Unlock()
	if haveCurrent {
		d.logger.Warnf("%s: keeping previous bridge set: %s", serviceName, cause.Error())
		return fmt.Errorf("%w: %s", model.ErrDirectoryStale, cause.Error())
	}
	var list []*model.BridgeDescriptor
	if d.db != nil && d.db.GetStale(d.cacheKey(), &list) && len(list) > 0 {
		d.logger.Warnf("%s: falling back to possibly stale bridge list", serviceName)
		d.swap(list)
		return fmt.Errorf("%w: %s", model.ErrDirectoryStale, cause.Error())
	}
	return cause
}

// swap atomically replaces the descriptor set and notifies onUpdate.
func (d *Directory) swap(list []*model.BridgeDescriptor) {
	d.mu.Lock()
	d.current = list
	d.mu.Unlock()
	if d.onUpdate != nil {
		d.onUpdate(list)
	}
}

// StartWorkers starts the periodic refresh worker.
func (d *Directory) StartWorkers(manager *workers.Manager) {
	manager.StartWorker(func() {
		workerName := fmt.Sprintf("%s: refreshWorker", serviceName)
		defer manager.OnWorkerDone(workerName)
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
				if err := d.Refresh(ctx); err != nil {
					d.logger.Warnf("%s: %s", workerName, err.Error())
				}
				cancel()
			case <-manager.ShouldShutdown():
				return
			}
		}
	})
}
