package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

// Identity is the cached name/privilege pair for a uid on one device.
type Identity struct {
	Name      string
	Privilege models.Privilege
}

// Placeholder returns the synthetic name used when a uid has no cached
// record yet.
func Placeholder(uid uint16) string {
	return fmt.Sprintf("UID_%d", uid)
}

// IsPlaceholder reports whether name is a synthetic UID_N fallback.
func IsPlaceholder(name string) bool {
	return strings.HasPrefix(name, "UID_")
}

// IdentityCache maps device id to uid to identity. It is read on the hot
// event path; refreshes replace a device's map wholesale under the write
// lock. Staleness between refreshes is acceptable, last writer wins.
type IdentityCache struct {
	mu    sync.RWMutex
	byDev map[string]map[uint16]Identity
	conns *ConnManager
	log   logger.Logger
}

func NewIdentityCache(conns *ConnManager, log logger.Logger) *IdentityCache {
	return &IdentityCache{
		byDev: make(map[string]map[uint16]Identity),
		conns: conns,
		log:   log,
	}
}

// Refresh replaces the cached identities for dev with a fresh listing.
func (c *IdentityCache) Refresh(ctx context.Context, dev *models.DeviceConfig) (int, error) {
	var users []models.User

	err := c.conns.WithSession(ctx, dev, func(ctx context.Context, sess driver.Session) error {
		var err error
		users, err = sess.ListUsers(ctx)

		return err
	})
	if err != nil {
		return 0, err
	}

	fresh := make(map[uint16]Identity, len(users))
	for _, u := range users {
		fresh[u.UID] = Identity{Name: u.Name, Privilege: u.Privilege}
	}

	c.mu.Lock()
	c.byDev[dev.ID] = fresh
	c.mu.Unlock()

	c.log.Debug().Str("device_id", dev.ID).Int("users", len(fresh)).Msg("Identity cache refreshed")

	return len(fresh), nil
}

// Lookup returns the cached identity for uid, or a placeholder identity
// when nothing is cached. The second return reports a real cache hit.
func (c *IdentityCache) Lookup(deviceID string, uid uint16) (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if ids, ok := c.byDev[deviceID]; ok {
		if id, ok := ids[uid]; ok {
			return id, true
		}
	}

	return Identity{Name: Placeholder(uid), Privilege: models.PrivilegeNormal}, false
}

// Resolve returns the identity for uid, going to the terminal only when the
// cache still holds a placeholder. A live hit patches the cache.
func (c *IdentityCache) Resolve(ctx context.Context, dev *models.DeviceConfig, uid uint16) Identity {
	id, hit := c.Lookup(dev.ID, uid)
	if hit && !IsPlaceholder(id.Name) {
		return id
	}

	var users []models.User

	err := c.conns.WithSessionOnce(ctx, dev, func(ctx context.Context, sess driver.Session) error {
		var err error
		users, err = sess.ListUsers(ctx)

		return err
	})
	if err != nil {
		c.log.Debug().Err(err).Str("device_id", dev.ID).Uint16("uid", uid).Msg("Live identity lookup failed")

		return id
	}

	for _, u := range users {
		if u.UID == uid {
			resolved := Identity{Name: u.Name, Privilege: u.Privilege}
			c.patch(dev.ID, uid, resolved)

			return resolved
		}
	}

	return id
}

func (c *IdentityCache) patch(deviceID string, uid uint16, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byDev[deviceID]; !ok {
		c.byDev[deviceID] = make(map[uint16]Identity)
	}

	c.byDev[deviceID][uid] = id
}

// Forget drops all cached identities for a device.
func (c *IdentityCache) Forget(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byDev, deviceID)
}
