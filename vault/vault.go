// Package vault is the boundary of the store: it turns authenticated
// requests into coordinated calls on the content store, the file registry,
// the quota ledger and key management, and owns key rotation.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/bitfsorg/sealvault/account"
	"github.com/bitfsorg/sealvault/audit"
	"github.com/bitfsorg/sealvault/internal/keymutex"
	"github.com/bitfsorg/sealvault/keys"
	"github.com/bitfsorg/sealvault/quota"
	"github.com/bitfsorg/sealvault/registry"
	"github.com/bitfsorg/sealvault/storage"
)

const (
	// DefaultMaxUpload is the largest plaintext Store accepts by default.
	DefaultMaxUpload = 100 << 20

	indexFile = "index.db"
	blobsDir  = "blobs"
	lockFile  = "vault.lock"
)

// Options configures Open.
type Options struct {
	DataDir string

	// MasterKey wraps principals' raw secrets. Nil means no master key is
	// configured: plaintext principals work, sealed ones fail with
	// ErrKeyUnavailable.
	MasterKey *keys.MasterKey

	MaxUpload int64 // 0 means DefaultMaxUpload

	Logger zerolog.Logger

	// Audit receives access events in addition to the vault's own log.
	Audit audit.Sink

	// now overrides the clock in tests.
	now func() time.Time
}

// Caller identifies who is making a request and from where.
type Caller struct {
	Principal  string
	RemoteAddr string
	UserAgent  string
}

// Vault coordinates all stores under one data directory.
type Vault struct {
	dataDir string
	db      *bbolt.DB
	lock    *os.File

	blobs    *storage.FileStore
	content  *storage.ContentStore
	registry *registry.Registry
	accounts *account.Store
	ledger   *quota.Ledger
	auditLog *audit.BoltLog
	audit    audit.Sink
	master   *keys.MasterKey

	log       zerolog.Logger
	maxUpload int64
	now       func() time.Time

	// principals serializes each principal's mutations; fetches share it.
	principals keymutex.Map

	rotMu    sync.Mutex
	rotating map[string]bool

	// beforeTarget, when set, runs before each rotation target.
	beforeTarget func(registry.Entry)
}

// Open opens (creating if needed) the vault in opts.DataDir. The directory
// is locked for the lifetime of the Vault.
func Open(opts Options) (*Vault, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("%w: data directory", ErrMissingField)
	}
	if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("vault: create data directory: %w", err)
	}

	fl, err := tryLock(filepath.Join(opts.DataDir, lockFile))
	if err != nil {
		return nil, fmt.Errorf("vault lock: %w", err)
	}

	v, err := open(opts, fl)
	if err != nil {
		releaseLock(fl)
		return nil, err
	}
	return v, nil
}

func open(opts Options, fl *os.File) (*Vault, error) {
	now := opts.now
	if now == nil {
		now = time.Now
	}
	maxUpload := opts.MaxUpload
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}
	log := opts.Logger.With().Str("component", "vault").Logger()

	db, err := bbolt.Open(filepath.Join(opts.DataDir, indexFile), 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("vault: open index: %w", err)
	}

	v := &Vault{
		dataDir:   opts.DataDir,
		db:        db,
		lock:      fl,
		master:    opts.MasterKey,
		log:       log,
		maxUpload: maxUpload,
		now:       now,
		rotating:  make(map[string]bool),
	}
	if err := v.init(opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	return v, nil
}

func (v *Vault) init(opts Options) error {
	var err error
	if v.blobs, err = storage.NewFileStore(filepath.Join(v.dataDir, blobsDir)); err != nil {
		return fmt.Errorf("vault: init blob store: %w", err)
	}
	index, err := storage.NewIndex(v.db)
	if err != nil {
		return fmt.Errorf("vault: init blob index: %w", err)
	}
	v.content = storage.NewContentStore(v.blobs, index,
		storage.WithLogger(opts.Logger.With().Str("component", "storage").Logger()),
		storage.WithClock(v.now))

	if v.registry, err = registry.New(v.db, registry.WithClock(v.now)); err != nil {
		return fmt.Errorf("vault: init registry: %w", err)
	}
	if v.accounts, err = account.NewStore(v.db); err != nil {
		return fmt.Errorf("vault: init accounts: %w", err)
	}
	v.ledger = quota.NewLedger(v.accounts, opts.Logger.With().Str("component", "quota").Logger())

	if v.auditLog, err = audit.NewBoltLog(v.db); err != nil {
		return fmt.Errorf("vault: init audit log: %w", err)
	}
	v.audit = v.auditLog
	if opts.Audit != nil {
		v.audit = audit.Multi(v.auditLog, opts.Audit)
	}
	return nil
}

// Close closes the index and releases the data directory lock.
func (v *Vault) Close() error {
	err := v.db.Close()
	releaseLock(v.lock)
	if err != nil {
		return fmt.Errorf("vault: close index: %w", err)
	}
	return nil
}

// DataDir returns the vault's data directory.
func (v *Vault) DataDir() string { return v.dataDir }

// AuditLog returns the vault's persisted access events.
func (v *Vault) AuditLog() *audit.BoltLog { return v.auditLog }

// RegisterPrincipal creates a principal with the given quota and no key.
func (v *Vault) RegisterPrincipal(id string, quotaBytes int64) (account.Principal, error) {
	return v.accounts.Create(account.Principal{ID: id, Quota: quotaBytes})
}

// Principal returns the stored principal record.
func (v *Vault) Principal(id string) (account.Principal, error) {
	p, err := v.accounts.Get(id)
	if err != nil {
		return account.Principal{}, principalErr(err)
	}
	return p, nil
}

// Principals returns every registered principal ID.
func (v *Vault) Principals() ([]string, error) {
	return v.accounts.IDs()
}

// SetQuota changes a principal's quota.
func (v *Vault) SetQuota(id string, quotaBytes int64) (account.Principal, error) {
	p, err := v.ledger.SetQuota(id, quotaBytes)
	if err != nil {
		return account.Principal{}, principalErr(err)
	}
	return p, nil
}

// Usage returns a principal's storage summary.
func (v *Vault) Usage(id string) (quota.Usage, error) {
	u, err := v.ledger.Usage(id)
	if err != nil {
		return quota.Usage{}, principalErr(err)
	}
	return u, nil
}

// Reconcile recomputes used storage from the registry for one principal,
// or for all of them when id is empty.
func (v *Vault) Reconcile(ctx context.Context, id string) ([]quota.Drift, error) {
	r := &quota.Reconciler{
		Ledger:   v.ledger,
		Accounts: v.accounts,
		Sizer:    v.registry,
		Lock:     v.principals.Lock,
	}
	if id == "" {
		return r.ReconcileAll(ctx)
	}
	d, err := r.Reconcile(ctx, id)
	if err != nil {
		return nil, principalErr(err)
	}
	return []quota.Drift{d}, nil
}

// enter takes the principal's lock, exclusive for mutations and shared for
// reads, and refuses while a rotation for the principal is running.
func (v *Vault) enter(principal string, exclusive bool) (func(), error) {
	if principal == "" {
		return nil, fmt.Errorf("%w: principal", ErrMissingField)
	}
	var unlock func()
	if exclusive {
		unlock = v.principals.Lock(principal)
	} else {
		unlock = v.principals.RLock(principal)
	}
	if v.isRotating(principal) {
		unlock()
		return nil, fmt.Errorf("%w: %s", ErrRotationInProgress, principal)
	}
	return unlock, nil
}

func (v *Vault) isRotating(principal string) bool {
	v.rotMu.Lock()
	defer v.rotMu.Unlock()
	return v.rotating[principal]
}

// emit appends an access event. Audit failures are logged, not returned:
// the operation they describe has already happened.
func (v *Vault) emit(ctx context.Context, c Caller, fileID string, action audit.Action) {
	err := v.audit.Append(context.WithoutCancel(ctx), audit.Event{
		FileID:     fileID,
		Principal:  c.Principal,
		Action:     action,
		Time:       v.now(),
		RemoteAddr: c.RemoteAddr,
		UserAgent:  c.UserAgent,
	})
	if err != nil {
		v.log.Warn().Err(err).
			Str("principal", c.Principal).
			Str("file", fileID).
			Str("action", string(action)).
			Msg("audit event not recorded")
	}
}

// principalErr maps account lookups onto the boundary taxonomy.
func principalErr(err error) error {
	if errors.Is(err, account.ErrNotFound) || errors.Is(err, account.ErrEmptyID) {
		return fmt.Errorf("%w: %w", ErrUnknownPrincipal, err)
	}
	return err
}

// fileErr maps registry lookups onto the boundary taxonomy.
func fileErr(err error) error {
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrInvalidID) {
		return fmt.Errorf("%w: %w", ErrFileNotFound, err)
	}
	return err
}

// quotaErr maps ledger failures onto the boundary taxonomy.
func quotaErr(err error) error {
	if errors.Is(err, quota.ErrQuotaExceeded) {
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return principalErr(err)
}

// keyErr maps key unwrapping failures onto the boundary taxonomy.
func keyErr(err error) error {
	return fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
}

// RefMismatch is a blob whose recorded reference count disagrees with the
// number of file entries pointing at it.
type RefMismatch struct {
	Key      storage.Digest
	Recorded uint64
	Entries  uint64
}

// Consistency is the result of Verify.
type Consistency struct {
	Storage     storage.VerifyReport
	RefMismatch []RefMismatch
}

// OK reports whether no disagreement was found.
func (c Consistency) OK() bool {
	return c.Storage.OK() && len(c.RefMismatch) == 0
}

// Verify cross-checks the blob index against the bytes on disk and against
// the file registry. It changes nothing.
func (v *Vault) Verify() (Consistency, error) {
	var c Consistency
	var err error
	if c.Storage, err = v.content.Verify(); err != nil {
		return c, err
	}

	counted, err := v.registry.CountBlobRefs()
	if err != nil {
		return c, err
	}
	blobs, err := v.content.List()
	if err != nil {
		return c, err
	}
	for _, b := range blobs {
		if n := counted[b.Key]; n != b.Refs {
			c.RefMismatch = append(c.RefMismatch, RefMismatch{Key: b.Key, Recorded: b.Refs, Entries: n})
		}
		delete(counted, b.Key)
	}
	for key, n := range counted {
		c.RefMismatch = append(c.RefMismatch, RefMismatch{Key: key, Entries: n})
	}
	return c, nil
}
