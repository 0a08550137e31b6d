package internal

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/cipherlayer/envelope/securememory"
	"github.com/cipherlayer/envelope/securememory/buffer"
)

// cofferMasterKeySize is the size, in bytes, of a Coffer's master key.
const cofferMasterKeySize = 32

// Coffer is a process-scoped master key used to seal plaintext keys at
// rest in process memory. The master key itself lives inside a Secret
// produced by the Coffer's SecretFactory (buffer.Buffer by default) and
// can be rotated via Rekey, which re-wraps every SealedKey currently
// registered with it. Rekey refuses to proceed while any registered
// SealedKey has an open view, mirroring the reader-count gate used by the
// Secure Buffer itself.
type Coffer struct {
	mu       sync.RWMutex
	factory  securememory.SecretFactory
	master   securememory.Secret
	registry map[*SealedKey]struct{}
}

// CofferOption configures a Coffer constructed by NewCoffer.
type CofferOption func(*cofferConfig)

type cofferConfig struct {
	factory securememory.SecretFactory
}

// WithSecretFactory selects the securememory.SecretFactory used to
// allocate the Coffer's master key and every SealedKey's opened view, in
// place of the default buffer.SecretFactory. This is how an alternate
// Secure Buffer backend, e.g. memguard.SecretFactory, is wired in.
func WithSecretFactory(f securememory.SecretFactory) CofferOption {
	return func(c *cofferConfig) {
		c.factory = f
	}
}

// NewCoffer allocates a Coffer with a freshly generated random master key.
func NewCoffer(opts ...CofferOption) (*Coffer, error) {
	cfg := cofferConfig{factory: buffer.SecretFactory{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	master, err := cfg.factory.CreateRandom(cofferMasterKeySize)
	if err != nil {
		return nil, err
	}

	return &Coffer{
		factory:  cfg.factory,
		master:   master,
		registry: make(map[*SealedKey]struct{}),
	}, nil
}

var (
	defaultCoffer     *Coffer
	defaultCofferOnce sync.Once
	defaultCofferErr  error
)

// DefaultCoffer returns the process-wide Coffer singleton, creating it on
// first use.
func DefaultCoffer() (*Coffer, error) {
	defaultCofferOnce.Do(func() {
		defaultCoffer, defaultCofferErr = NewCoffer()
	})

	return defaultCoffer, defaultCofferErr
}

// withMasterKey grants read access to the current master key for the
// duration of fn. Multiple callers may hold a read view concurrently; a
// Rekey holds the write lock for its whole run, so new read views wait
// until the Rekey has finished.
func (c *Coffer) withMasterKey(fn func(key []byte) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.master.WithBytes(fn)
}

func (c *Coffer) register(sk *SealedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registry[sk] = struct{}{}
}

func (c *Coffer) unregister(sk *SealedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.registry, sk)
}

// Rekey replaces the master key with a new random one and re-wraps every
// SealedKey currently registered with this Coffer under it. It fails
// without making any changes if any registered SealedKey currently has an
// open view (i.e. is between Open and Reseal).
func (c *Coffer) Rekey() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sk := range c.registry {
		if sk.hasOpenView() {
			return errors.New("cannot rekey coffer: a sealed key has an open view")
		}
	}

	newMaster, err := c.factory.CreateRandom(cofferMasterKeySize)
	if err != nil {
		return err
	}

	for sk := range c.registry {
		if err := sk.rewrap(c.master, newMaster); err != nil {
			newMaster.Close()
			return errors.Wrap(err, "rekey: failed to rewrap sealed key")
		}
	}

	old := c.master
	c.master = newMaster

	return old.Close()
}

// Close destroys the master key. It should only be called when every
// SealedKey registered with this Coffer has already been closed.
func (c *Coffer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.master.Close()
}
