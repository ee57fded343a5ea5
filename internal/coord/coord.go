// Package coord holds the cross-process primitives of the worker system:
// per-agent ownership leases, the per-agent execution mutex and named locks.
//
// Acquire operations fail closed on store errors. Ownership refresh fails open,
// release is best-effort and leaked keys expire through their TTL.
package coord

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/logs"
)

const (
	DefaultLeaseTTL    = 30 * time.Second
	DefaultExecLockTTL = 120 * time.Second
	DefaultLockTTL     = 10 * time.Second
)

const execLockSentinel = "1"

// refreshScript extends the lease held by ARGV[1], or reclaims an expired one.
var refreshScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
if not current then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config sets the TTLs of the coordination keys.
type Config struct {
	InstanceID  string
	LeaseTTL    time.Duration
	ExecLockTTL time.Duration
	LockTTL     time.Duration
}

// Coordinator issues leases and locks on a shared redis.
type Coordinator struct {
	client      redis.UniversalClient
	instanceID  string
	leaseTTL    time.Duration
	execLockTTL time.Duration
	lockTTL     time.Duration
}

// NewInstanceID returns "<pid>:<random hex>", unique per process lifetime.
func NewInstanceID() string {
	u := uuid.New()
	return fmt.Sprintf("%d:%s", os.Getpid(), hex.EncodeToString(u[:4]))
}

// New creates a coordinator. Zero TTLs fall back to the defaults and an empty
// instance id is generated.
func New(client redis.UniversalClient, cfg Config) *Coordinator {
	if cfg.InstanceID == "" {
		cfg.InstanceID = NewInstanceID()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.ExecLockTTL <= 0 {
		cfg.ExecLockTTL = DefaultExecLockTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Coordinator{
		client:      client,
		instanceID:  cfg.InstanceID,
		leaseTTL:    cfg.LeaseTTL,
		execLockTTL: cfg.ExecLockTTL,
		lockTTL:     cfg.LockTTL,
	}
}

// InstanceID is the value written into every lease this process holds.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// LeaseTTL returns the ownership lease duration.
func (c *Coordinator) LeaseTTL() time.Duration {
	return c.leaseTTL
}

func ownershipKey(agentID string) string {
	return "ownership:" + agentID
}

func execLockKey(agentID string) string {
	return "exec_lock:agent:" + agentID
}

func lockKey(name string) string {
	return "lock:" + name
}

// TryAcquireOwnership claims the agent for this instance. It is true only when
// this call created the lease; store errors yield false.
func (c *Coordinator) TryAcquireOwnership(ctx context.Context, agentID string) bool {
	ok, err := c.client.SetNX(ctx, ownershipKey(agentID), c.instanceID, c.leaseTTL).Result()
	if err != nil {
		logs.Errorf("[coord] acquire ownership failed agent=%s instance=%s, err: %+v", agentID, c.instanceID, err)
		return false
	}
	if ok {
		logs.Infof("[coord] ownership acquired agent=%s instance=%s", agentID, c.instanceID)
	}
	return ok
}

// RefreshOwnership extends this instance's lease, reclaiming it if it expired.
// It is false only when another instance holds the lease; store errors yield true.
func (c *Coordinator) RefreshOwnership(ctx context.Context, agentID string) bool {
	n, err := refreshScript.Run(ctx, c.client, []string{ownershipKey(agentID)}, c.instanceID, c.leaseTTL.Milliseconds()).Int()
	if err != nil {
		logs.Warnf("[coord] refresh ownership failed, keeping lease agent=%s instance=%s, err: %+v", agentID, c.instanceID, err)
		return true
	}
	if n == 0 {
		logs.Warnf("[coord] ownership lost agent=%s instance=%s", agentID, c.instanceID)
		return false
	}
	return true
}

// ReleaseOwnership deletes the lease if this instance still holds it.
func (c *Coordinator) ReleaseOwnership(ctx context.Context, agentID string) {
	if err := releaseScript.Run(ctx, c.client, []string{ownershipKey(agentID)}, c.instanceID).Err(); err != nil {
		logs.Warnf("[coord] release ownership failed agent=%s instance=%s, err: %+v", agentID, c.instanceID, err)
	}
}

// Owner returns the instance holding the agent's lease, "" when unowned.
func (c *Coordinator) Owner(ctx context.Context, agentID string) (string, error) {
	v, err := c.client.Get(ctx, ownershipKey(agentID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// AcquireExecutionLock takes the agent's cycle mutex. On success the key to
// release is returned; store errors yield (false, "").
func (c *Coordinator) AcquireExecutionLock(ctx context.Context, agentID string) (bool, string) {
	key := execLockKey(agentID)
	ok, err := c.client.SetNX(ctx, key, execLockSentinel, c.execLockTTL).Result()
	if err != nil {
		logs.Errorf("[coord] acquire execution lock failed agent=%s instance=%s, err: %+v", agentID, c.instanceID, err)
		return false, ""
	}
	if !ok {
		return false, ""
	}
	return true, key
}

// ReleaseExecutionLock deletes the cycle mutex. An empty key is a no-op.
func (c *Coordinator) ReleaseExecutionLock(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		logs.Warnf("[coord] release execution lock failed key=%s, err: %+v", key, err)
	}
}

// TryLock takes a short named lock. Store errors yield false.
func (c *Coordinator) TryLock(ctx context.Context, name string) bool {
	ok, err := c.client.SetNX(ctx, lockKey(name), c.instanceID, c.lockTTL).Result()
	if err != nil {
		logs.Errorf("[coord] lock failed name=%s, err: %+v", name, err)
		return false
	}
	return ok
}

// Unlock releases a named lock held by this instance.
func (c *Coordinator) Unlock(ctx context.Context, name string) {
	if err := releaseScript.Run(ctx, c.client, []string{lockKey(name)}, c.instanceID).Err(); err != nil {
		logs.Warnf("[coord] unlock failed name=%s, err: %+v", name, err)
	}
}
