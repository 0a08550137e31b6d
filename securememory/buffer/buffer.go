// Package buffer implements a page-aligned secure buffer: user data is
// flanked by two permanently inaccessible guard pages and preceded by a
// canary that is verified when the buffer is destroyed. It is the backing
// store used whenever a plaintext key is briefly materialized in process
// memory, e.g. by a sealed key's Open.
package buffer

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"os"
	"sync"

	"github.com/awnumar/memguard/core"
	"github.com/pkg/errors"

	"github.com/cipherlayer/envelope/securememory"
	"github.com/cipherlayer/envelope/securememory/internal/memcall"
	"github.com/cipherlayer/envelope/securememory/internal/secrets"
	"github.com/cipherlayer/envelope/securememory/log"
)

// canarySize is the length, in bytes, of the integrity canary placed
// immediately before the user data region.
const canarySize = 32

type bufferError string

func (e bufferError) Error() string { return string(e) }

// ErrClosed is returned by any access attempted on a destroyed Buffer.
const ErrClosed bufferError = "buffer has already been destroyed"

// ErrMemoryCorruption is returned by Close/Destroy when the canary
// preceding the data region no longer matches the value written at
// allocation time.
const ErrMemoryCorruption bufferError = "canary mismatch: memory corruption detected"

// ErrFrozen is returned by WithDataMut when the buffer has been frozen via
// Freeze and has not yet been Melt-ed.
const ErrFrozen bufferError = "buffer is frozen"

var pageSize = os.Getpagesize()

func roundToPage(n int) int {
	if n <= 0 {
		return pageSize
	}

	if rem := n % pageSize; rem != 0 {
		n += pageSize - rem
	}

	return n
}

// Buffer is a page-aligned, canaried, lockable region of memory. The region
// is laid out as [guard page][canary][user data][guard page]; the two guard
// pages are set NoAccess for the lifetime of the buffer and never
// transitioned. Only the canary+data pages move between NoAccess, ReadOnly
// and ReadWrite.
type Buffer struct {
	mc     memcall.Interface
	region []byte // full allocation: front guard + canary + data + back guard
	canary []byte // view into region, canarySize bytes
	data   []byte // view into region, exactly the requested size

	want [canarySize]byte // expected canary value, kept outside protected memory

	rw      sync.RWMutex
	cond    *sync.Cond
	readers int
	writing bool // exclusive writer currently holds the region
	frozen  bool // when true, withDataMut refuses to grant a writable view
	closing bool
	closed  bool
}

// New allocates a Buffer capable of holding size bytes of user data.
func New(size int) (*Buffer, error) {
	return newBuffer(size, memcall.Default)
}

func newBuffer(size int, mc memcall.Interface) (*Buffer, error) {
	if size < 1 {
		return nil, errors.New("invalid buffer size")
	}

	inner := roundToPage(size + canarySize)
	total := 2*pageSize + inner

	region, err := mc.Alloc(total)
	if err != nil {
		return nil, err
	}

	if err := mc.Lock(region); err != nil {
		if err2 := mc.Free(region); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	front := region[:pageSize]
	back := region[total-pageSize:]
	mid := region[pageSize : total-pageSize]
	canary := mid[:canarySize]
	data := mid[canarySize : canarySize+size]

	b := &Buffer{
		mc:     mc,
		region: region,
		canary: canary,
		data:   data,
	}
	b.cond = sync.NewCond(&b.rw)

	// mid starts out implicitly read-write from the allocator; fill the
	// canary while we still have write access, then lock everything down.
	internalFillRandom(canary)
	copy(b.want[:], canary)

	if err := mc.Protect(front, memcall.NoAccess()); err != nil {
		return nil, b.abortAlloc(err)
	}

	if err := mc.Protect(back, memcall.NoAccess()); err != nil {
		return nil, b.abortAlloc(err)
	}

	if err := mc.Protect(mid, memcall.NoAccess()); err != nil {
		return nil, b.abortAlloc(err)
	}

	securememory.AllocCounter.Inc(1)
	securememory.InUseCounter.Inc(1)

	return b, nil
}

// abortAlloc cleans up a partially-initialized buffer after a setup failure.
func (b *Buffer) abortAlloc(cause error) error {
	if err := memcall.Clean(b.mc, b.region); err != nil {
		cause = errors.Wrap(cause, err.Error())
	}

	return cause
}

// NewFromBytes allocates a Buffer sized to b and copies b in, wiping the
// source slice.
func NewFromBytes(src []byte) (*Buffer, error) {
	buf, err := New(len(src))
	if err != nil {
		return nil, err
	}

	if err := buf.withDataMutLocked(func(data []byte) error {
		subtle.ConstantTimeCopy(1, data, src)
		return nil
	}); err != nil {
		buf.Destroy()
		return nil, err
	}

	core.Wipe(src)

	return buf, nil
}

// NewRandom allocates a Buffer of the given size filled with
// cryptographically random bytes.
func NewRandom(size int) (*Buffer, error) {
	buf, err := New(size)
	if err != nil {
		return nil, err
	}

	if err := buf.withDataMutLocked(func(data []byte) error {
		internalFillRandom(data)
		return nil
	}); err != nil {
		buf.Destroy()
		return nil, err
	}

	return buf, nil
}

// SecretFactory implements securememory.SecretFactory, producing
// Buffer-backed Secrets. It is the default backend for internal.Coffer and
// internal.SealedKey; it can be swapped out for memguard.SecretFactory or
// protectedmemory's factory wherever a securememory.SecretFactory is
// accepted.
type SecretFactory struct{}

// New implements securememory.SecretFactory.
func (SecretFactory) New(b []byte) (securememory.Secret, error) {
	return NewFromBytes(b)
}

// CreateRandom implements securememory.SecretFactory.
func (SecretFactory) CreateRandom(size int) (securememory.Secret, error) {
	return NewRandom(size)
}

// WithBytes grants read-only access to the data region for the duration of
// action. Implements securememory.Secret.
func (b *Buffer) WithBytes(action func([]byte) error) (err error) {
	if err = b.acquireRead(); err != nil {
		return err
	}

	defer b.releaseRead()

	return action(b.data)
}

// WithBytesFunc grants read-only access to the data region for the duration
// of action. Implements securememory.Secret.
func (b *Buffer) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	if err := b.acquireRead(); err != nil {
		return nil, err
	}

	defer b.releaseRead()

	return action(b.data)
}

// WithDataMut grants exclusive read-write access to the data region for the
// duration of action. It fails with ErrFrozen if the buffer has been frozen
// via Freeze, or ErrClosed if the buffer has been destroyed.
func (b *Buffer) WithDataMut(action func([]byte) error) error {
	return b.withDataMutLocked(action)
}

func (b *Buffer) withDataMutLocked(action func([]byte) error) (err error) {
	if err = b.acquireWrite(); err != nil {
		return err
	}

	defer func() {
		if err2 := b.releaseWrite(); err2 != nil && err == nil {
			err = err2
		}
	}()

	return action(b.data)
}

// Freeze prevents future calls to WithDataMut from succeeding until Melt is
// called. Existing ReadOnly accessors are unaffected.
func (b *Buffer) Freeze() {
	b.rw.Lock()
	b.frozen = true
	b.rw.Unlock()
}

// Melt reverses a prior call to Freeze.
func (b *Buffer) Melt() {
	b.rw.Lock()
	b.frozen = false
	b.rw.Unlock()
}

// acquireRead transitions the canary+data pages to ReadOnly on the 0->1
// reader edge and increments the reader count. It waits out any in-flight
// exclusive writer first.
func (b *Buffer) acquireRead() error {
	b.rw.Lock()
	defer b.rw.Unlock()

	for b.writing {
		b.cond.Wait()
	}

	if b.closing || b.closed {
		return errors.WithStack(ErrClosed)
	}

	if b.readers == 0 {
		if err := b.mc.Protect(b.protectedRegion(), memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark buffer read-only")
		}
	}

	b.readers++

	return nil
}

func (b *Buffer) releaseRead() error {
	b.rw.Lock()
	defer b.rw.Unlock()
	defer b.cond.Broadcast()

	b.readers--

	if b.readers == 0 {
		if err := b.mc.Protect(b.protectedRegion(), memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark buffer no-access")
		}
	}

	return nil
}

// acquireWrite waits for exclusive access (no concurrent readers or writer)
// and marks the region ReadWrite.
func (b *Buffer) acquireWrite() error {
	b.rw.Lock()
	defer b.rw.Unlock()

	if b.closing || b.closed {
		return errors.WithStack(ErrClosed)
	}

	if b.frozen {
		return errors.WithStack(ErrFrozen)
	}

	for b.readers > 0 || b.writing {
		b.cond.Wait()

		if b.closing || b.closed {
			return errors.WithStack(ErrClosed)
		}
	}

	b.writing = true

	return b.mc.Protect(b.protectedRegion(), memcall.ReadWrite())
}

func (b *Buffer) releaseWrite() error {
	b.rw.Lock()
	defer b.rw.Unlock()
	defer b.cond.Broadcast()

	b.writing = false

	return b.mc.Protect(b.protectedRegion(), memcall.NoAccess())
}

// protectedRegion returns the canary+data pages, i.e. everything between
// the two permanent guard pages.
func (b *Buffer) protectedRegion() []byte {
	return b.region[pageSize : len(b.region)-pageSize]
}

// IsClosed returns true if Destroy has completed.
func (b *Buffer) IsClosed() bool {
	b.rw.RLock()
	defer b.rw.RUnlock()

	return b.closed
}

// NewReader returns an io.Reader over the buffer's data.
func (b *Buffer) NewReader() io.Reader {
	return secrets.NewReader(b)
}

// Close is an alias for Destroy, satisfying securememory.Secret.
func (b *Buffer) Close() error {
	return b.Destroy()
}

// Destroy verifies the canary, zeroes the canary+data region, unlocks and
// releases the underlying pages. It waits for any in-flight readers to
// finish first and is idempotent. A canary mismatch is reported but the
// buffer is still wiped and released.
func (b *Buffer) Destroy() error {
	b.rw.Lock()

	b.closing = true

	for {
		if b.closed {
			b.rw.Unlock()
			return nil
		}

		if b.readers == 0 && !b.writing {
			break
		}

		b.cond.Wait()
	}

	defer b.rw.Unlock()

	return b.destroy()
}

func (b *Buffer) destroy() error {
	if err := b.mc.Protect(b.protectedRegion(), memcall.ReadWrite()); err != nil {
		return err
	}

	var corrupt error
	if subtle.ConstantTimeCompare(b.canary, b.want[:]) != 1 {
		corrupt = errors.WithStack(ErrMemoryCorruption)
		log.Debugf("buffer(%p) canary mismatch detected on destroy", b)
	}

	core.Wipe(b.protectedRegion())

	if err := b.mc.Unlock(b.region); err != nil {
		if corrupt == nil {
			corrupt = err
		}
	}

	if err := b.mc.Free(b.region); err != nil {
		if corrupt == nil {
			corrupt = err
		}
	}

	b.closed = true

	securememory.InUseCounter.Dec(1)

	return corrupt
}

func internalFillRandom(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
}
