// Package registry holds the set of remote servers commands may be run
// against and persists it as a single yaml document.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Server describes one registered remote host. The credential fields are
// opaque to everything but the SSH pool.
type Server struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Enabled bool   `yaml:"enabled"`
	Default bool   `yaml:"default,omitempty"`

	Password       string `yaml:"password,omitempty"`
	PrivateKeyPath string `yaml:"privateKeyPath,omitempty"`
}

// Addr returns host:port with the SSH default applied.
func (s Server) Addr() string {
	port := s.Port
	if port <= 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

func (s Server) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("server id is required")
	}
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("server %s: host is required", s.ID)
	}
	if strings.TrimSpace(s.User) == "" {
		return fmt.Errorf("server %s: user is required", s.ID)
	}
	return nil
}

// ErrServerNotFound indicates a lookup for an unknown server id or name.
var ErrServerNotFound = errors.New("server not found")

type fileFormat struct {
	Servers []Server `yaml:"servers"`
}

// Registry is a read-mostly in-memory view of the server list. Mutations
// replace the whole slice and rewrite the backing file, so concurrent
// readers never observe a partial list.
type Registry struct {
	path string

	mu      sync.RWMutex
	servers []Server
}

// Load reads the registry file. A missing file yields an empty registry
// bound to the same path.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Servers))
	for _, s := range f.Servers {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	r.servers = f.Servers
	return r, nil
}

// List returns a copy of all registered servers, sorted by id.
func (r *Registry) List() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, len(r.servers))
	copy(out, r.servers)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get looks a server up by exact id.
func (r *Registry) Get(id string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.servers {
		if s.ID == id {
			return s, nil
		}
	}
	return Server{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
}

// Resolve matches either an id or a case-insensitive display name.
func (r *Registry) Resolve(idOrName string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.servers {
		if s.ID == idOrName || strings.EqualFold(s.Name, idOrName) {
			return s, nil
		}
	}
	return Server{}, fmt.Errorf("%w: %s", ErrServerNotFound, idOrName)
}

// DefaultServer returns the enabled server marked default, if any.
func (r *Registry) DefaultServer() (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.servers {
		if s.Default && s.Enabled {
			return s, true
		}
	}
	return Server{}, false
}

// Add registers or replaces a server and persists the new list.
func (r *Registry) Add(s Server) error {
	if err := s.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Server, 0, len(r.servers)+1)
	for _, existing := range r.servers {
		if existing.ID != s.ID {
			next = append(next, existing)
		}
	}
	next = append(next, s)
	if err := r.save(next); err != nil {
		return err
	}
	r.servers = next
	return nil
}

// Remove deletes a server by id and persists the new list.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Server, 0, len(r.servers))
	found := false
	for _, existing := range r.servers {
		if existing.ID == id {
			found = true
			continue
		}
		next = append(next, existing)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	if err := r.save(next); err != nil {
		return err
	}
	r.servers = next
	return nil
}

// save writes the whole collection via temp file + rename so a crash never
// leaves a truncated registry behind. Caller holds r.mu.
func (r *Registry) save(servers []Server) error {
	if strings.TrimSpace(r.path) == "" {
		return nil
	}
	data, err := yaml.Marshal(fileFormat{Servers: servers})
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, r.path)
}

// DefaultPath returns ~/.shellbridge/servers.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "servers.yaml"
	}
	return filepath.Join(home, ".shellbridge", "servers.yaml")
}
