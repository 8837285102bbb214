package profile

import (
	"context"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	profiles []Profile
	prober   Prober
	ttl      time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cached    []Profile
	checkedAt time.Time
}

type Option func(*Registry)

func WithProber(p Prober) Option {
	return func(r *Registry) { r.prober = p }
}

// WithProfiles puts user profiles ahead of the well-known ones. A user
// profile hides a well-known profile with the same name.
func WithProfiles(profiles []Profile) Option {
	return func(r *Registry) {
		seen := make(map[string]bool, len(profiles))
		merged := make([]Profile, 0, len(profiles)+len(r.profiles))
		for _, p := range profiles {
			seen[strings.ToLower(p.Name)] = true
			merged = append(merged, p)
		}
		for _, p := range r.profiles {
			if !seen[strings.ToLower(p.Name)] {
				merged = append(merged, p)
			}
		}
		r.profiles = merged
	}
}

// WithCacheTTL caches DetectAvailable results. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		profiles: WellKnown(),
		prober:   CommandProber{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Profiles returns every known profile, available or not.
func (r *Registry) Profiles() []Profile {
	return append([]Profile(nil), r.profiles...)
}

// DetectAvailable returns the profiles whose command is installed, in
// preference order.
func (r *Registry) DetectAvailable(ctx context.Context) []Profile {
	if r.ttl > 0 {
		r.mu.Lock()
		if r.cached != nil && r.now().Sub(r.checkedAt) < r.ttl {
			out := append([]Profile(nil), r.cached...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
	}

	available := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if ctx.Err() != nil {
			break
		}
		if r.prober.OnPath(ctx, p.Command) {
			available = append(available, p)
		}
	}

	if r.ttl > 0 && ctx.Err() == nil {
		r.mu.Lock()
		r.cached = available
		r.checkedAt = r.now()
		r.mu.Unlock()
	}
	return append([]Profile(nil), available...)
}

// Lookup finds a profile by name or command, ignoring case.
func (r *Registry) Lookup(name string) (Profile, bool) {
	name = strings.TrimSpace(name)
	for _, p := range r.profiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	for _, p := range r.profiles {
		if strings.EqualFold(p.Command, name) {
			return p, true
		}
	}
	return Profile{}, false
}

// Default is the most preferred available profile.
func (r *Registry) Default(ctx context.Context) (Profile, error) {
	available := r.DetectAvailable(ctx)
	if len(available) == 0 {
		return Profile{}, ErrNoShell
	}
	return available[0], nil
}

// Next returns the available profile after current, wrapping around.
func (r *Registry) Next(ctx context.Context, current Profile) (Profile, error) {
	available := r.DetectAvailable(ctx)
	if len(available) == 0 {
		return Profile{}, ErrNoShell
	}
	for i, p := range available {
		if p.Name == current.Name {
			return available[(i+1)%len(available)], nil
		}
	}
	return available[0], nil
}
