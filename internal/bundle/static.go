package bundle

import (
	"fmt"
	"sort"
	"sync"
)

type staticKey struct {
	name   string
	userID int
}

// Static is a Provider backed by an in-memory table, filled from config.
// An entry registered with userID -1 serves every user.
type Static struct {
	mu      sync.RWMutex
	bundles map[staticKey]BundleInfo
}

func NewStatic() *Static {
	return &Static{bundles: make(map[staticKey]BundleInfo)}
}

// Add registers bi for userID.
func (s *Static) Add(userID int, bi BundleInfo) {
	if bi.App.BundleName == "" {
		bi.App.BundleName = bi.Name
	}
	if bi.App.Name == "" {
		bi.App.Name = bi.Name
	}
	if bi.App.UID == 0 {
		bi.App.UID = bi.UID
	}
	s.mu.Lock()
	s.bundles[staticKey{bi.Name, userID}] = bi
	s.mu.Unlock()
}

func (s *Static) lookup(name string, userID int) (BundleInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bi, ok := s.bundles[staticKey{name, userID}]; ok {
		return bi, true
	}
	bi, ok := s.bundles[staticKey{name, -1}]
	return bi, ok
}

func (s *Static) GetApplicationInfo(name string, userID int) (*AppInfo, error) {
	bi, ok := s.lookup(name, userID)
	if !ok {
		return nil, fmt.Errorf("application %q for user %d: %w", name, userID, ErrNotFound)
	}
	ai := bi.App
	return &ai, nil
}

func (s *Static) GetBundleInfo(name string, _ int, userID int) (BundleInfo, error) {
	bi, ok := s.lookup(name, userID)
	if !ok {
		return BundleInfo{}, fmt.Errorf("bundle %q for user %d: %w", name, userID, ErrNotFound)
	}
	return bi, nil
}

// Names lists registered bundle names.
func (s *Static) Names() []string {
	s.mu.RLock()
	seen := make(map[string]struct{}, len(s.bundles))
	for k := range s.bundles {
		seen[k.name] = struct{}{}
	}
	s.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
