package state

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hotosm/tm-mirror/internal/blob"
)

// DefaultLockKey is the advisory lock object key.
const DefaultLockKey = "run.lock"

// LockInfo is the content of the lock object.
type LockInfo struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Host      string    `json:"host"`
}

// Locker manages the advisory run lock. Object stores offer no compare-and-swap
// here, so the lock only keeps well-behaved schedulers from overlapping.
type Locker struct {
	blobs      blob.Store
	key        string
	staleAfter time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewLocker creates a Locker. Locks older than staleAfter are taken over.
func NewLocker(blobs blob.Store, key string, staleAfter time.Duration) *Locker {
	if key == "" {
		key = DefaultLockKey
	}
	if staleAfter <= 0 {
		staleAfter = 3 * time.Hour
	}
	return &Locker{
		blobs:      blobs,
		key:        key,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "lock")),
	}
}

// Lease is a held lock.
type Lease struct {
	Info   LockInfo
	locker *Locker
}

// Acquire writes a fresh lock unless another live run holds one. When a foreign
// lock is still fresh the lease is nil, the error is nil, and holder describes it.
func (l *Locker) Acquire(ctx context.Context) (lease *Lease, holder *LockInfo, err error) {
	existing, err := l.read(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := l.now().UTC()
	if existing != nil {
		age := now.Sub(existing.StartedAt)
		if age < l.staleAfter {
			return nil, existing, nil
		}
		l.log.Warn("taking over stale lock",
			zap.String("run_id", existing.RunID),
			zap.String("host", existing.Host),
			zap.Duration("age", age),
		)
	}

	host, _ := os.Hostname()
	info := LockInfo{
		RunID:     uuid.NewString(),
		StartedAt: now,
		Host:      host,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, nil, eris.Wrap(err, "lock: encode")
	}
	if err := l.blobs.Put(ctx, l.key, data, blob.ContentTypeJSON); err != nil {
		return nil, nil, eris.Wrap(err, "lock: write")
	}

	// Last writer wins; re-read so two racing runs don't both proceed.
	current, err := l.read(ctx)
	if err != nil {
		return nil, nil, err
	}
	if current != nil && current.RunID != info.RunID {
		return nil, current, nil
	}

	l.log.Info("lock acquired", zap.String("run_id", info.RunID))
	return &Lease{Info: info, locker: l}, nil, nil
}

// Release removes the lock if it still belongs to this lease.
func (ls *Lease) Release(ctx context.Context) error {
	if ls == nil {
		return nil
	}
	l := ls.locker
	current, err := l.read(ctx)
	if err != nil {
		return err
	}
	if current != nil && current.RunID != ls.Info.RunID {
		l.log.Warn("lock owned by another run, leaving it", zap.String("run_id", current.RunID))
		return nil
	}
	if err := l.blobs.Delete(ctx, l.key); err != nil {
		return eris.Wrap(err, "lock: release")
	}
	l.log.Info("lock released", zap.String("run_id", ls.Info.RunID))
	return nil
}

// read returns nil when no lock exists. An unparseable lock counts as stale.
func (l *Locker) read(ctx context.Context) (*LockInfo, error) {
	data, err := l.blobs.Get(ctx, l.key)
	if err != nil {
		if blob.IsNotFound(err) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "lock: read")
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.RunID == "" {
		return &LockInfo{RunID: "corrupt"}, nil
	}
	return &info, nil
}
