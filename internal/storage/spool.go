package storage

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/semaphore"
)

// Spooler downloads partition objects to a local spool directory and
// keeps them in a bytes-bounded LRU cache. Entries are keyed by the full
// (bucket, key) address; two buckets may carry the same key and must not
// share a spool slot. Repeated combines over the same partitions reuse
// the spooled files instead of re-downloading.
type Spooler struct {
	storage  ObjectStorage
	dir      string
	maxBytes int64

	mu       sync.Mutex
	curBytes int64
	items    map[string]*list.Element // address → element
	order    *list.List               // front = most recently used
	inflight map[string]*sync.Mutex   // per-address download locks

	// onEvict, when set, is called with the local path of every evicted
	// spool file before it is deleted. The engine pool hooks this to
	// drop connections to files that no longer exist.
	onEvict func(localPath string)
}

type spoolEntry struct {
	address   string
	localPath string
	sizeBytes int64
}

// NewSpooler creates a spooler writing under dir, keeping at most
// maxBytes of spooled objects (default 10GB when <= 0).
func NewSpooler(storage ObjectStorage, dir string, maxBytes int64) (*Spooler, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create spool directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024 * 1024 // 10 GB
	}
	return &Spooler{
		storage:  storage,
		dir:      dir,
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*sync.Mutex),
	}, nil
}

// OnEvict registers a callback invoked for every evicted spool file.
func (s *Spooler) OnEvict(fn func(localPath string)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Ensure returns the local path of the object at (bucket, key),
// downloading it on first use. Concurrent callers for the same address
// share one download.
func (s *Spooler) Ensure(ctx context.Context, bucket, key string) (string, error) {
	ref := ObjectRef{Bucket: bucket, Key: key}
	address := ref.Address()

	if local := s.lookup(address); local != "" {
		return local, nil
	}

	// One download per address at a time
	lock := s.downloadLock(address)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have finished the download while we waited
	if local := s.lookup(address); local != "" {
		return local, nil
	}

	localPath := s.localPath(address)
	if err := s.storage.Download(ctx, bucket, key, localPath); err != nil {
		os.Remove(localPath)
		return "", err
	}

	s.record(address, localPath)
	return localPath, nil
}

// lookup returns the spooled path on hit, promoting the entry, or ""
// when the address is not spooled or its file has gone missing.
func (s *Spooler) lookup(address string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[address]
	if !ok {
		return ""
	}
	entry := elem.Value.(*spoolEntry)

	info, err := os.Stat(entry.localPath)
	if err != nil || info.Size() != entry.sizeBytes {
		// File gone or truncated underneath us
		s.removeLocked(elem)
		return ""
	}

	s.order.MoveToFront(elem)
	return entry.localPath
}

// record registers a completed download and evicts LRU entries past the
// byte budget.
func (s *Spooler) record(address, localPath string) {
	info, err := os.Stat(localPath)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[address]; ok {
		old := elem.Value.(*spoolEntry)
		s.curBytes -= old.sizeBytes
		old.localPath = localPath
		old.sizeBytes = info.Size()
		s.curBytes += info.Size()
		s.order.MoveToFront(elem)
	} else {
		elem := s.order.PushFront(&spoolEntry{
			address:   address,
			localPath: localPath,
			sizeBytes: info.Size(),
		})
		s.items[address] = elem
		s.curBytes += info.Size()
	}

	for s.curBytes > s.maxBytes && s.order.Len() > 1 {
		if back := s.order.Back(); back != nil {
			s.removeLocked(back)
		}
	}
}

// removeLocked drops an entry and deletes its file. Caller must hold s.mu.
func (s *Spooler) removeLocked(elem *list.Element) {
	entry := elem.Value.(*spoolEntry)
	s.order.Remove(elem)
	delete(s.items, entry.address)
	s.curBytes -= entry.sizeBytes

	if s.onEvict != nil {
		s.onEvict(entry.localPath)
	}
	os.Remove(entry.localPath)
}

// downloadLock returns the per-address download lock.
func (s *Spooler) downloadLock(address string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.inflight[address]
	if !ok {
		lock = &sync.Mutex{}
		s.inflight[address] = lock
	}
	return lock
}

// localPath maps an address to a stable spool filename.
func (s *Spooler) localPath(address string) string {
	h := murmur3.Sum64([]byte(address))
	return filepath.Join(s.dir, fmt.Sprintf("%016x.parquet", h))
}

// PrefetchResult reports the outcome of a prefetch pass.
type PrefetchResult struct {
	Spooled int
	Errors  map[string]error
}

// Prefetch downloads a batch of objects in parallel, bounded by
// concurrency. Per-object failures are recorded under the object's
// address, not fatal; assembly order is unaffected because callers still
// consume objects via Ensure.
func (s *Spooler) Prefetch(ctx context.Context, refs []ObjectRef, concurrency int) *PrefetchResult {
	if concurrency <= 0 {
		concurrency = 4
	}

	result := &PrefetchResult{Errors: make(map[string]error)}
	sem := semaphore.NewWeighted(int64(concurrency))

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, ref := range refs {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[ref.Address()] = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(ref ObjectRef) {
			defer sem.Release(1)
			defer wg.Done()

			if _, err := s.Ensure(ctx, ref.Bucket, ref.Key); err != nil {
				mu.Lock()
				result.Errors[ref.Address()] = err
				mu.Unlock()
				return
			}
			mu.Lock()
			result.Spooled++
			mu.Unlock()
		}(ref)
	}

	wg.Wait()
	return result
}

// Size returns the current total spooled size in bytes.
func (s *Spooler) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBytes
}

// Len returns the number of spooled objects.
func (s *Spooler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Clear removes every spooled object.
func (s *Spooler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.order.Len() > 0 {
		if back := s.order.Back(); back != nil {
			s.removeLocked(back)
		}
	}
}
