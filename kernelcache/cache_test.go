package kernelcache

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestCompileMissThenHit(t *testing.T) {
	compileCount := 0
	compile := func(options []string, source, name string) ([]byte, string, error) {
		compileCount++
		return []byte("binary for " + source), "", nil
	}
	cache := New(NewMemStore(), compile)

	opts := []string{"-DFOO", "--use_fast_math"}
	bin1, cached, err := cache.CompilePTX(opts, "kernel src", "trace")
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Fatal("expected first compilation to be a cache miss")
	}

	bin2, cached, err := cache.CompilePTX(opts, "kernel src", "trace")
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Fatal("expected second compilation to be a cache hit")
	}
	if !bytes.Equal(bin1, bin2) {
		t.Fatalf("expected cached binary to match compiled binary; got %q and %q", bin1, bin2)
	}
	if compileCount != 1 {
		t.Fatalf("expected compiler to be invoked once; invoked %d times", compileCount)
	}
}

func TestCompileFailureStoresNothing(t *testing.T) {
	shouldFail := true
	compile := func(options []string, source, name string) ([]byte, string, error) {
		if shouldFail {
			return nil, "line 1: syntax error", errors.New("compilation failed")
		}
		return []byte("binary"), "", nil
	}
	cache := New(NewMemStore(), compile)

	_, _, err := cache.CompilePTX(nil, "bad src", "trace")
	if err == nil {
		t.Fatal("expected compilation error")
	}
	if !strings.Contains(err.Error(), "line 1: syntax error") {
		t.Fatalf("expected error to include the compiler diagnostic log; got %v", err)
	}

	// The failure must not have been cached.
	shouldFail = false
	_, cached, err := cache.CompilePTX(nil, "bad src", "trace")
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Fatal("expected a cache miss after a failed compilation")
	}
}

func TestKeySensitivity(t *testing.T) {
	base := Key([]string{"-DFOO"}, "src")
	if Key([]string{"-DFOO"}, "src") != base {
		t.Fatal("expected identical inputs to produce identical keys")
	}
	if Key([]string{"-DBAR"}, "src") == base {
		t.Fatal("expected different options to produce different keys")
	}
	if Key([]string{"-DFOO"}, "other src") == base {
		t.Fatal("expected different sources to produce different keys")
	}
	if Key([]string{"-DF", "OO"}, "src") == Key([]string{"-DF OO"}, "src") {
		t.Fatal("expected option list boundaries to be significant")
	}
}

func TestFileStorePersistence(t *testing.T) {
	dir := t.TempDir()

	compileCount := 0
	compile := func(options []string, source, name string) ([]byte, string, error) {
		compileCount++
		return []byte(fmt.Sprintf("binary %d", compileCount)), "", nil
	}

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	bin1, _, err := New(store, compile).CompilePTX(nil, "src", "trace")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh cache over the same directory must resolve without compiling.
	store, err = NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	bin2, cached, err := New(store, compile).CompilePTX(nil, "src", "trace")
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Fatal("expected a cache hit from the persisted entry")
	}
	if !bytes.Equal(bin1, bin2) {
		t.Fatalf("expected persisted binary to match; got %q and %q", bin1, bin2)
	}
	if compileCount != 1 {
		t.Fatalf("expected compiler to be invoked once; invoked %d times", compileCount)
	}
}

func TestConcurrentCompileDedup(t *testing.T) {
	var mu sync.Mutex
	compileCount := 0
	compile := func(options []string, source, name string) ([]byte, string, error) {
		mu.Lock()
		compileCount++
		mu.Unlock()
		return []byte("binary"), "", nil
	}
	cache := New(NewMemStore(), compile)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := cache.CompilePTX(nil, "src", "trace"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if compileCount != 1 {
		t.Fatalf("expected concurrent requests to compile once; compiled %d times", compileCount)
	}
}
