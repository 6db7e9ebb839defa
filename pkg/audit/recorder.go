package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Mode selects whether Recorder.Record waits for the durable write.
type Mode int

const (
	// Async hands records to a bounded in-memory queue drained by a
	// background worker; the default mode.
	Async Mode = iota
	// Sync awaits the durable write before Record returns, for
	// compliance deployments that cannot tolerate losing an audit record.
	Sync
)

type chainState struct {
	seq  uint64
	hash string
}

// Recorder is the gateway's audit-writing front end: it optionally
// computes hash-chain linkage, then writes through to a Store either
// synchronously or via a bounded async queue. Grounds spec.md §4.9.
type Recorder struct {
	store      Store
	mode       Mode
	compliance bool
	immutable  bool
	queueCap   int
	logger     logr.Logger
	onDrop     func(Record)

	mu       sync.Mutex
	queue    []Record
	draining bool
	wake     chan struct{}
	stopped  chan struct{}

	chainMu sync.Mutex
	chains  map[string]chainState
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithMode overrides the default Async mode.
func WithMode(m Mode) Option { return func(r *Recorder) { r.mode = m } }

// WithCompliance enables hash-chain computation per (namespace, tenant).
func WithCompliance(immutable bool) Option {
	return func(r *Recorder) { r.compliance = true; r.immutable = immutable }
}

// WithQueueCapacity bounds the async queue (default 1024).
func WithQueueCapacity(n int) Option { return func(r *Recorder) { r.queueCap = n } }

// WithLogger attaches a logr.Logger for write-failure and overflow
// warnings.
func WithLogger(l logr.Logger) Option { return func(r *Recorder) { r.logger = l } }

// WithDropHook is called (outside any lock) whenever the async queue
// overflows and the oldest record is discarded.
func WithDropHook(fn func(Record)) Option { return func(r *Recorder) { r.onDrop = fn } }

// NewRecorder builds a Recorder over store and starts its async worker.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:    store,
		queueCap: 1024,
		logger:   logr.Discard(),
		chains:   make(map[string]chainState),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mode == Async {
		go r.worker()
	}
	return r
}

// Record applies hash-chain linkage (if compliance mode is on) and then
// writes rec through synchronously or enqueues it, per the configured
// Mode.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	if r.compliance {
		r.applyChain(&rec)
	}
	if r.mode == Sync {
		if err := r.store.Record(ctx, rec); err != nil {
			r.logger.Error(err, "audit: synchronous write failed", "action_id", rec.ActionID)
			return err
		}
		return nil
	}
	r.enqueue(rec)
	return nil
}

func (r *Recorder) enqueue(rec Record) {
	r.mu.Lock()
	var dropped *Record
	if len(r.queue) >= r.queueCap {
		d := r.queue[0]
		dropped = &d
		r.queue = r.queue[1:]
	}
	r.queue = append(r.queue, rec)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}

	if dropped != nil {
		r.logger.Info("audit: async queue overflow, dropping oldest record", "action_id", dropped.ActionID)
		if r.onDrop != nil {
			r.onDrop(*dropped)
		}
	}
}

// QueueDepth reports the current async queue backlog, for the
// audit_backlog metric.
func (r *Recorder) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Recorder) worker() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.wake:
			r.drainOnce()
		case <-ticker.C:
			r.drainOnce()
		case <-r.stopped:
			r.drainOnce()
			return
		}
	}
}

func (r *Recorder) drainOnce() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		rec := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if err := r.store.Record(context.Background(), rec); err != nil {
			r.logger.Error(err, "audit: async write failed", "action_id", rec.ActionID)
		}
	}
}

// Shutdown stops accepting the background ticker and drains whatever
// remains in the queue, up to grace. Record may still be called
// concurrently with Shutdown by in-flight pipelines; those records are
// best-effort.
func (r *Recorder) Shutdown(ctx context.Context, grace time.Duration) {
	close(r.stopped)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if r.QueueDepth() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func chainKey(namespace, tenant string) string { return namespace + ":" + tenant }

// applyChain assigns the next sequence_number and computes record_hash
// over the canonical record plus previous_hash. The per-(namespace,tenant)
// mutex is held only long enough to read-and-advance the in-memory chain
// cursor; the actual store write happens outside it, matching spec.md
// §5's "serialised during sequence assignment, then released before the
// actual store write" ordering guarantee.
func (r *Recorder) applyChain(rec *Record) {
	key := chainKey(rec.Namespace, rec.Tenant)

	r.chainMu.Lock()
	prev := r.chains[key]
	seq := prev.seq + 1
	hash := computeHash(*rec, prev.hash)
	r.chains[key] = chainState{seq: seq, hash: hash}
	r.chainMu.Unlock()

	rec.SequenceNumber = &seq
	rec.PreviousHash = prev.hash
	rec.RecordHash = hash
}

// computeHash hashes the record's content fields (excluding the hash
// fields themselves) concatenated with previousHash.
func computeHash(rec Record, previousHash string) string {
	rec.SequenceNumber = nil
	rec.PreviousHash = ""
	rec.RecordHash = ""
	canonical, _ := json.Marshal(rec)
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes the hash chain for (namespace, tenant) from the
// underlying store's own VerifyChain if it supports ChainVerifier
// (e.g. pgaudit, which can walk its own sequence_number ordering
// authoritatively); otherwise it is unsupported in-process for stores that
// don't persist history (e.g. memaudit already implements ChainVerifier
// directly).
func (r *Recorder) VerifyChain(ctx context.Context, namespace, tenant string, from, to *time.Time) (VerifyResult, error) {
	cv, ok := r.store.(ChainVerifier)
	if !ok {
		return VerifyResult{}, ErrStorage
	}
	return cv.VerifyChain(ctx, namespace, tenant, from, to)
}

// Replay resubmits every record matched by filter as a fresh action,
// returning one ReplayResult per record. submit is the caller-supplied
// dispatch function (normally the gateway's Dispatch), kept decoupled here
// to avoid an audit->gateway import cycle.
func (r *Recorder) Replay(ctx context.Context, filter Filter, submit func(context.Context, Record) error) (ReplaySummary, error) {
	page, err := r.store.Query(ctx, filter, PageRequest{Limit: 1000})
	if err != nil {
		return ReplaySummary{}, err
	}
	summary := ReplaySummary{Results: make([]ReplayResult, 0, len(page.Records))}
	for _, rec := range page.Records {
		res := ReplayResult{ActionID: rec.ActionID}
		if err := submit(ctx, rec); err != nil {
			res.Error = err.Error()
			summary.Failed++
		} else {
			res.Resubmitted = true
			summary.Succeeded++
		}
		summary.Results = append(summary.Results, res)
	}
	return summary, nil
}

// ReplayResult is the outcome of resubmitting one audited action.
type ReplayResult struct {
	ActionID    string `json:"action_id"`
	Resubmitted bool   `json:"resubmitted"`
	Error       string `json:"error,omitempty"`
}

// ReplaySummary aggregates a Replay call's results.
type ReplaySummary struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Results   []ReplayResult `json:"results"`
}
