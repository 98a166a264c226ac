package target

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/tidwall/btree"
	"github.com/tidwall/tinylru"
)

const (
	CODE_BASE_ADDRESS         = 0x10000
	CODE_ALIGNMENT            = 16
	DEFAULT_LOOKUP_CACHE_SIZE = 64
)

// A Registry maps code addresses to the compiled methods installed in the code space.
type Registry struct {
	lock        sync.RWMutex
	byAddress   btree.Map[uint64, *CompiledMethod]
	nextAddress uint64
	addresses   map[*CompiledMethod]uint64

	byID cmap.ConcurrentMap[string, *CompiledMethod]

	//most recent lookups: address -> method
	recent     *tinylru.LRU
	recentSize int
}

func NewRegistry(cacheSize int) *Registry {
	if cacheSize <= 0 {
		cacheSize = DEFAULT_LOOKUP_CACHE_SIZE
	}
	r := &Registry{
		nextAddress: CODE_BASE_ADDRESS,
		addresses:   map[*CompiledMethod]uint64{},
		byID:        cmap.New[*CompiledMethod](),
		recentSize:  cacheSize,
	}
	r.resetCache()
	return r
}

func (r *Registry) resetCache() {
	r.recent = new(tinylru.LRU)
	r.recent.Resize(r.recentSize)
}

// Install allocates the code of a method in the code space and returns its address.
func (r *Registry) Install(m *CompiledMethod) uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	if addr, ok := r.addresses[m]; ok {
		return addr
	}

	addr := r.nextAddress
	size := uint64(len(m.Code))
	if size == 0 {
		size = 1
	}
	r.nextAddress = (addr + size + CODE_ALIGNMENT - 1) &^ (CODE_ALIGNMENT - 1)

	r.byAddress.Set(addr, m)
	r.addresses[m] = addr
	r.byID.Set(m.ID.String(), m)
	return addr
}

func (r *Registry) Remove(m *CompiledMethod) {
	r.lock.Lock()
	defer r.lock.Unlock()

	addr, ok := r.addresses[m]
	if !ok {
		return
	}
	r.byAddress.Delete(addr)
	delete(r.addresses, m)
	r.byID.Remove(m.ID.String())
	r.resetCache()
}

// AddressOf returns the address of the code of an installed method.
func (r *Registry) AddressOf(m *CompiledMethod) (uint64, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	addr, ok := r.addresses[m]
	return addr, ok
}

// Lookup returns the method whose code contains addr, and the position of addr in the code.
func (r *Registry) Lookup(addr uint64) (*CompiledMethod, int, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if v, ok := r.recent.Get(addr); ok {
		m := v.(*CompiledMethod)
		return m, int(addr - r.addresses[m]), true
	}

	var (
		found *CompiledMethod
		start uint64
	)
	r.byAddress.Descend(addr, func(key uint64, m *CompiledMethod) bool {
		found, start = m, key
		return false
	})

	if found == nil || addr >= start+uint64(len(found.Code)) {
		return nil, 0, false
	}

	r.recent.Set(addr, found)
	return found, int(addr - start), true
}

func (r *Registry) ByID(id string) (*CompiledMethod, bool) {
	return r.byID.Get(id)
}

func (r *Registry) Len() int {
	return r.byID.Count()
}

// Methods returns the installed methods by ascending address.
func (r *Registry) Methods() []*CompiledMethod {
	r.lock.RLock()
	defer r.lock.RUnlock()

	methods := make([]*CompiledMethod, 0, r.byAddress.Len())
	r.byAddress.Scan(func(_ uint64, m *CompiledMethod) bool {
		methods = append(methods, m)
		return true
	})
	return methods
}
