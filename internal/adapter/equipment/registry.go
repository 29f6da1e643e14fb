// Package equipment runs registered deterministic scripts in place of a
// model call. When the admin classifier marks an order with an equipment
// hint, the dispatcher routes it here and skips the model entirely, which
// costs nothing and cannot hallucinate.
package equipment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// Script is one deterministic tool. Input is the work order's compressed
// context; the output becomes the order's result verbatim.
type Script func(ctx domain.Context, input string) (string, error)

// Registry maps equipment names to scripts. Safe for concurrent use after
// construction; Register is for wiring time only.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]Script
	timeout time.Duration
}

// NewRegistry returns a registry preloaded with the built-in scripts.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Registry{scripts: map[string]Script{}, timeout: timeout}
	r.Register("echo", echoScript)
	r.Register("utc_now", utcNowScript)
	r.Register("sha256", sha256Script)
	r.Register("word_count", wordCountScript)
	return r
}

// Register adds or replaces a script under the given name.
func (r *Registry) Register(name string, s Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[strings.ToLower(name)] = s
}

// Known reports whether a script is registered under the name.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.scripts[strings.ToLower(name)]
	return ok
}

// Names returns the registered script names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scripts))
	for name := range r.scripts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run executes the named script under the registry timeout.
func (r *Registry) Run(ctx domain.Context, name, input string) (string, error) {
	r.mu.RLock()
	s, ok := r.scripts[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("op=equipment.run: %w: unknown equipment %q", domain.ErrInvalidArgument, name)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s(runCtx, input)
		done <- result{out, err}
	}()
	select {
	case <-runCtx.Done():
		return "", fmt.Errorf("op=equipment.run: %w: %q timed out", domain.ErrInternal, name)
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("op=equipment.run: %q: %w", name, res.err)
		}
		return res.out, nil
	}
}

func echoScript(_ domain.Context, input string) (string, error) {
	return input, nil
}

func utcNowScript(_ domain.Context, _ string) (string, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

func sha256Script(_ domain.Context, input string) (string, error) {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:]), nil
}

func wordCountScript(_ domain.Context, input string) (string, error) {
	out, err := json.Marshal(map[string]int{
		"words": len(strings.Fields(input)),
		"chars": len(input),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var _ domain.EquipmentRunner = (*Registry)(nil)
