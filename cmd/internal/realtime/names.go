package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// UserDirectory is the user lookup collaborator. CachedUsername must never block on I/O.
type UserDirectory interface {
	UsernameOf(ctx context.Context, userID int64) (string, error)
	CachedUsername(userID int64) (string, bool)
	Forget(userID int64)
	TouchLastSeen(ctx context.Context, userID int64, at time.Time) error
}

// errUnknownUser is what nopDirectory reports.
var errUnknownUser = errors.New("unknown user")

type nopDirectory struct{}

func (nopDirectory) UsernameOf(context.Context, int64) (string, error)     { return "", errUnknownUser }
func (nopDirectory) CachedUsername(int64) (string, bool)                   { return "", false }
func (nopDirectory) Forget(int64)                                          {}
func (nopDirectory) TouchLastSeen(context.Context, int64, time.Time) error { return nil }

// Names resolves display names. Resolution never fails: it degrades to a placeholder.
type Names struct {
	log *slog.Logger
	dir UserDirectory
}

// NewNames constructs a resolver. A nil directory resolves placeholders only.
func NewNames(log *slog.Logger, dir UserDirectory) *Names {
	if dir == nil {
		dir = nopDirectory{}
	}
	return &Names{log: log, dir: dir}
}

// Placeholder is the synthesized name for an unknown user.
func Placeholder(id UserID) string {
	return "User " + strconv.FormatInt(int64(id), 10)
}

// Cached returns supplied, else the cached directory name, else the placeholder.
// It never performs I/O.
func (n *Names) Cached(id UserID, supplied string) string {
	if s := strings.TrimSpace(supplied); s != "" {
		return s
	}
	if name, ok := n.dir.CachedUsername(int64(id)); ok && name != "" {
		return name
	}
	return Placeholder(id)
}

// Resolve is like Cached but falls back to a directory lookup on a cache miss.
func (n *Names) Resolve(ctx context.Context, id UserID, supplied string) string {
	if s := strings.TrimSpace(supplied); s != "" {
		return s
	}
	if name, ok := n.dir.CachedUsername(int64(id)); ok && name != "" {
		return name
	}
	name, err := n.dir.UsernameOf(ctx, int64(id))
	if err != nil || name == "" {
		if err != nil && !errors.Is(err, errUnknownUser) {
			n.log.Warn("names.lookup.fail", "user_id", id, "err", err)
		}
		return Placeholder(id)
	}
	return name
}

// Prime loads id into the cache. Failures are logged only.
func (n *Names) Prime(ctx context.Context, id UserID) {
	if _, err := n.dir.UsernameOf(ctx, int64(id)); err != nil && !errors.Is(err, errUnknownUser) {
		n.log.Info("names.prime.fail", "user_id", id, "err", err)
	}
}

// Forget drops id from the cache.
func (n *Names) Forget(id UserID) { n.dir.Forget(int64(id)) }

// TouchLastSeen stamps last_seen for id. Failures are logged only.
func (n *Names) TouchLastSeen(ctx context.Context, id UserID, at time.Time) {
	if err := n.dir.TouchLastSeen(ctx, int64(id), at); err != nil {
		n.log.Info("names.last_seen.fail", "user_id", id, "err", err)
	}
}
