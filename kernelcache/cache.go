// Package kernelcache avoids redundant kernel compilation across process
// runs and across devices sharing the same program. Entries are keyed by the
// exact compiler option list and source text.
package kernelcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/240db/LuxCore/log"
)

// A Compiler turns kernel source into a compiled binary. On failure it
// returns the backend's diagnostic log together with the error.
type Compiler func(options []string, source, name string) (binary []byte, diagnostics string, err error)

// A compiled-kernel cache backed by an injected store.
type Cache struct {
	logger  log.Logger
	store   Store
	compile Compiler

	// Per-key locks so concurrent requests for the same program compile
	// only once.
	mu       sync.Mutex
	inFlight map[string]*sync.Mutex
}

// Create a cache that resolves misses with the given compiler.
func New(store Store, compile Compiler) *Cache {
	return &Cache{
		logger:   log.New("kernelcache"),
		store:    store,
		compile:  compile,
		inFlight: make(map[string]*sync.Mutex),
	}
}

// Resolve a compiled binary for the given options and source. On a cache hit
// the stored binary is returned with cached=true. On a miss the compiler is
// invoked and, on success, the result is stored and returned with
// cached=false. Compile failures are returned verbatim (including the
// compiler diagnostic log) and store nothing.
func (c *Cache) CompilePTX(options []string, source, name string) (binary []byte, cached bool, err error) {
	key := Key(options, source)

	keyLock := c.lockKey(key)
	defer keyLock.Unlock()

	binary, ok, err := c.store.Get(key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.logger.Debugf("%s: program cached", name)
		return binary, true, nil
	}

	c.logger.Debugf("%s: program not cached, compiling (options: %s)", name, ToOptsString(options))
	binary, diagnostics, err := c.compile(options, source, name)
	if err != nil {
		return nil, false, fmt.Errorf("kernelcache: %s compilation error: %v\n%s", name, err, diagnostics)
	}

	if err = c.store.Put(key, binary); err != nil {
		return nil, false, err
	}
	return binary, false, nil
}

// Acquire the per-key compile lock.
func (c *Cache) lockKey(key string) *sync.Mutex {
	c.mu.Lock()
	keyLock, ok := c.inFlight[key]
	if !ok {
		keyLock = &sync.Mutex{}
		c.inFlight[key] = keyLock
	}
	c.mu.Unlock()

	keyLock.Lock()
	return keyLock
}

// Key digests a compiler option list and source text into a cache key. Each
// option is hashed with a terminator so both option order and option
// boundaries are significant.
func Key(options []string, source string) string {
	h := sha256.New()
	for _, opt := range options {
		h.Write([]byte(opt))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

// ToOptsString renders an option list the way it is passed to the compiler.
// Used for logging.
func ToOptsString(options []string) string {
	return strings.Join(options, " ")
}
