package davclient

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	derrors "github.com/javi11/davmount/internal/errors"
	"github.com/javi11/davmount/internal/pathutil"
	"github.com/sourcegraph/conc/pool"
)

const maxParallelUnlocks = 8

// Locker keeps the exclusive write locks this mount holds on the server,
// one token per key.
type Locker struct {
	client *Client
	owner  string

	mu     sync.Mutex
	tokens map[string]string
}

func newLocker(c *Client) *Locker {
	user := c.username
	if user == "" {
		user = "anonymous"
	}
	return &Locker{
		client: c,
		owner:  fmt.Sprintf("davmount %s %s", user, uuid.NewString()),
		tokens: make(map[string]string),
	}
}

// Owner returns the owner string sent with every LOCK request.
func (l *Locker) Owner() string {
	return l.owner
}

// Held reports whether a lock on key is held.
func (l *Locker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.tokens[key]
	return ok
}

// Lock takes an exclusive depth 0 write lock on key. Locking a key that is
// already held is a no-op. A non-positive timeout requests an infinite lock.
func (l *Locker) Lock(ctx context.Context, key string, timeout time.Duration) error {
	if l.Held(key) {
		return nil
	}

	var owner bytes.Buffer
	if err := xml.EscapeText(&owner, []byte(l.owner)); err != nil {
		return err
	}
	body := strings.NewReader(`<?xml version="1.0" encoding="utf-8"?>
<D:lockinfo xmlns:D="DAV:"><D:lockscope><D:exclusive/></D:lockscope><D:locktype><D:write/></D:locktype>` +
		`<D:owner><D:href>` + owner.String() + `</D:href></D:owner></D:lockinfo>`)

	resp, err := l.client.do(ctx, request{
		method: "LOCK",
		key:    key,
		header: http.Header{
			"Depth":        {"0"},
			"Timeout":      {lockTimeout(timeout)},
			"Content-Type": {"application/xml; charset=utf-8"},
		},
		body: body,
		size: body.Size(),
	})
	if err != nil {
		return err
	}
	defer drain(resp)

	if err := checkStatus(resp, "LOCK", key, http.StatusOK, http.StatusCreated); err != nil {
		return err
	}

	token := strings.Trim(strings.TrimSpace(resp.Header.Get("Lock-Token")), "<>")
	if token == "" {
		return derrors.NewWebdavError(derrors.KindTransport, "LOCK", key, resp.StatusCode,
			fmt.Errorf("response carries no lock token"))
	}

	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()

	l.client.logger.DebugContext(ctx, "Lock acquired", "path", key, "token", token)
	return nil
}

// Unlock releases the lock on key. Unlocking a key that is not held is a
// no-op. The token is forgotten even when the server refuses the request,
// since a refused token cannot be used again.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()

	if !ok {
		return nil
	}

	resp, err := l.client.do(ctx, request{
		method: "UNLOCK",
		key:    key,
		header: http.Header{"Lock-Token": {"<" + token + ">"}},
	})
	if err != nil {
		return err
	}
	defer drain(resp)

	if err := checkStatus(resp, "UNLOCK", key, http.StatusNoContent, http.StatusOK); err != nil {
		return err
	}

	l.client.logger.DebugContext(ctx, "Lock released", "path", key)
	return nil
}

// ReleaseAll unlocks every held lock in parallel and returns the combined
// failures.
func (l *Locker) ReleaseAll(ctx context.Context) error {
	keys := l.keys()
	if len(keys) == 0 {
		return nil
	}

	p := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(maxParallelUnlocks)
	for _, key := range keys {
		key := key
		p.Go(func(ctx context.Context) error {
			return l.Unlock(ctx, key)
		})
	}
	return p.Wait()
}

func (l *Locker) keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.tokens))
	for k := range l.tokens {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// header returns the If header proving ownership of the lock on key, or nil
// when no lock is held.
func (l *Locker) header(key string) http.Header {
	l.mu.Lock()
	token, ok := l.tokens[key]
	l.mu.Unlock()

	if !ok {
		return nil
	}
	return http.Header{"If": {"(<" + token + ">)"}}
}

// forgetTree drops the tokens of key and everything below it, after the
// server destroyed those locks along with the resources.
func (l *Locker) forgetTree(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k := range l.tokens {
		if pathutil.IsWithin(k, key) {
			delete(l.tokens, k)
		}
	}
}
