package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
)

const scopeLockKeyPrefix = "carrot:rule-generation:scope:"

// releaseScript deletes the lock only if it still holds our token, so a run
// whose lock expired cannot release the lock of the run that replaced it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ScopeLocker enforces a single rule generation run per scope.
type ScopeLocker interface {
	// Acquire takes the lock for scopeID and returns a context for the work
	// done under it, plus the release function. The context is cancelled with
	// cause apperrors.ErrScopeLockLost if the lock cannot be kept.
	// Returns apperrors.ErrScopeLocked if another run holds it.
	Acquire(ctx context.Context, scopeID int64) (context.Context, func(), error)
}

type scopeLocker struct {
	client     *redis.Client
	ttl        time.Duration
	renewEvery time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	local map[int64]string
}

// NewScopeLocker creates a ScopeLocker. With a Redis client the lock is shared
// across processes, expires after ttl and is renewed every ttl/3 while held;
// with nil it is held in process.
func NewScopeLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) ScopeLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	renewEvery := ttl / 3
	if renewEvery <= 0 {
		renewEvery = ttl
	}
	return &scopeLocker{
		client:     client,
		ttl:        ttl,
		renewEvery: renewEvery,
		logger:     logger.Named("scope-lock"),
		local:      make(map[int64]string),
	}
}

var _ ScopeLocker = (*scopeLocker)(nil)

func scopeLockKey(scopeID int64) string {
	return scopeLockKeyPrefix + strconv.FormatInt(scopeID, 10)
}

func (l *scopeLocker) Acquire(ctx context.Context, scopeID int64) (context.Context, func(), error) {
	token := uuid.NewString()

	if l.client == nil {
		return l.acquireLocal(ctx, scopeID, token)
	}

	key := scopeLockKey(scopeID)
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire scope lock %d: %w", scopeID, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("scope %d: %w", scopeID, apperrors.ErrScopeLocked)
	}

	l.logger.Debug("Scope lock acquired",
		zap.Int64("scope_id", scopeID),
		zap.Duration("ttl", l.ttl))

	lockCtx, lost := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(key, token, scopeID, lost, stop, stopped)

	var once sync.Once
	return lockCtx, func() {
		once.Do(func() {
			close(stop)
			<-stopped
			lost(nil)

			// release even when the run's context is already cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn("Failed to release scope lock",
					zap.Int64("scope_id", scopeID),
					zap.Error(err))
			}
		})
	}, nil
}

// keepAlive renews the lock until stop is closed. It cancels the lock context
// when another owner holds the key, or when no renewal succeeded for a full ttl.
func (l *scopeLocker) keepAlive(key, token string, scopeID int64, lost context.CancelCauseFunc, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()
	renewed := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		renewCtx, cancel := context.WithTimeout(context.Background(), l.renewEvery)
		held, err := renewScript.Run(renewCtx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()

		switch {
		case err == nil && held == 1:
			renewed = time.Now()
		case err == nil:
			l.logger.Error("Scope lock taken over by another run", zap.Int64("scope_id", scopeID))
			lost(fmt.Errorf("scope %d: %w", scopeID, apperrors.ErrScopeLockLost))
			return
		case time.Since(renewed) >= l.ttl:
			l.logger.Error("Scope lock expired while it could not be renewed",
				zap.Int64("scope_id", scopeID),
				zap.Error(err))
			lost(fmt.Errorf("scope %d: %w", scopeID, errors.Join(apperrors.ErrScopeLockLost, err)))
			return
		default:
			l.logger.Warn("Failed to renew scope lock, will retry",
				zap.Int64("scope_id", scopeID),
				zap.Error(err))
		}
	}
}

func (l *scopeLocker) acquireLocal(ctx context.Context, scopeID int64, token string) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.local[scopeID]; held {
		return nil, nil, fmt.Errorf("scope %d: %w", scopeID, apperrors.ErrScopeLocked)
	}
	l.local[scopeID] = token

	lockCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	return lockCtx, func() {
		once.Do(func() {
			cancel()
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.local[scopeID] == token {
				delete(l.local, scopeID)
			}
		})
	}, nil
}
