package peersync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Directory yields the current set of peer addresses (host:port), never
// including the local instance
type Directory interface {
	Peers(ctx context.Context) ([]string, error)
}

// StaticDirectory serves a fixed peer list
type StaticDirectory struct {
	peers []string
}

// NewStaticDirectory returns the given peers minus self and duplicates
func NewStaticDirectory(peers []string, self string) *StaticDirectory {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p == "" || isSelf(p, self) || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return &StaticDirectory{peers: out}
}

func (d *StaticDirectory) Peers(context.Context) ([]string, error) {
	return slices.Clone(d.peers), nil
}

// LookupFunc resolves a host name to addresses
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// DNSDirectory resolves a headless service name on every call
type DNSDirectory struct {
	name   string
	port   int
	self   string
	lookup LookupFunc
}

// NewDNSDirectory creates a directory resolving name with the default resolver
func NewDNSDirectory(name string, port int, self string) *DNSDirectory {
	return &DNSDirectory{
		name:   name,
		port:   port,
		self:   self,
		lookup: net.DefaultResolver.LookupHost,
	}
}

// WithLookup replaces the resolver
func (d *DNSDirectory) WithLookup(fn LookupFunc) *DNSDirectory {
	d.lookup = fn
	return d
}

func (d *DNSDirectory) Peers(ctx context.Context) ([]string, error) {
	hosts, err := d.lookup(ctx, d.name)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", d.name, err)
	}

	port := strconv.Itoa(d.port)
	peers := make([]string, 0, len(hosts))
	for _, h := range hosts {
		addr := net.JoinHostPort(h, port)
		if isSelf(addr, d.self) || slices.Contains(peers, addr) {
			continue
		}
		peers = append(peers, addr)
	}
	slices.Sort(peers)
	return peers, nil
}

// MultiDirectory merges several directories. It fails only when every
// member fails.
type MultiDirectory struct {
	dirs []Directory
}

// NewMultiDirectory merges dirs in order, dropping duplicate peers
func NewMultiDirectory(dirs ...Directory) *MultiDirectory {
	return &MultiDirectory{dirs: dirs}
}

func (d *MultiDirectory) Peers(ctx context.Context) ([]string, error) {
	var (
		peers []string
		errs  []error
	)
	for _, dir := range d.dirs {
		got, err := dir.Peers(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, p := range got {
			if !slices.Contains(peers, p) {
				peers = append(peers, p)
			}
		}
	}
	if len(errs) > 0 && len(errs) == len(d.dirs) {
		return nil, errors.Join(errs...)
	}
	return peers, nil
}

const peersKey = "peers"

// CachedDirectory memoizes another directory's answer for a TTL
type CachedDirectory struct {
	inner Directory
	cache *gocache.Cache
}

// NewCachedDirectory caches the peers of inner for ttl
func NewCachedDirectory(inner Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (d *CachedDirectory) Peers(ctx context.Context) ([]string, error) {
	if v, ok := d.cache.Get(peersKey); ok {
		peers, _ := v.([]string)
		return slices.Clone(peers), nil
	}

	peers, err := d.inner.Peers(ctx)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(peersKey, slices.Clone(peers))
	return peers, nil
}

// Invalidate drops the cached answer
func (d *CachedDirectory) Invalidate() {
	d.cache.Delete(peersKey)
}

// isSelf reports whether addr names the local instance. self may be a bare
// host or host:port.
func isSelf(addr, self string) bool {
	if self == "" {
		return false
	}
	if addr == self {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if _, _, err := net.SplitHostPort(self); err == nil {
		return false
	}
	return host == self
}
