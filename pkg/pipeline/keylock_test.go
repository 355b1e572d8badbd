package pipeline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLockMutualExclusion(t *testing.T) {
	lock := newKeyLock()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Lock("same-key")
			counter++
			lock.Unlock("same-key")
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Empty(t, lock.entries, "entries must be released once unused")
}

func TestKeyLockIndependentKeys(t *testing.T) {
	lock := newKeyLock()

	lock.Lock("a")
	// A different key must not block while "a" is held.
	done := make(chan struct{})
	go func() {
		lock.Lock("b")
		lock.Unlock("b")
		close(done)
	}()
	<-done
	lock.Unlock("a")

	assert.Empty(t, lock.entries)
}
