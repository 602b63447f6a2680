package engine

import (
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RetryConfig mirrors the enumerated retry.* settings of spec §6.
type RetryConfig struct {
	BaseMs       int
	CapMs        int
	Jitter       float64
	AbsoluteMax  int
	// TimeoutMaxAttempts is the lower sub-cap spec §7 carves out for the
	// Timeout classification ("retryable up to a lower sub-cap, default
	// 2") — enforced independently of and below AbsoluteMax.
	TimeoutMaxAttempts int
	NoRetryCodes       map[string]struct{}
}

// RetryDecision is the Contract return shape of spec §4.4:
// `onFailure(job, error) -> {decision: retry|give_up, delay?, ledger}`.
type RetryDecision struct {
	Retry   bool
	Delay   time.Duration
	Attempt int
	// CircuitOpened is set when this failure pushed the fingerprint's
	// ledger past AbsoluteMax.
	CircuitOpened bool
}

type ledgerEntry struct {
	attempts        int
	classAttempts   map[Classification]int
	expires         time.Time
}

var retryIDSuffix = regexp.MustCompile(`-retry\d+$`)

// StripRetrySuffix extracts a fingerprint's original job ID by removing
// one or more trailing `-retryN` suffixes (spec §4.4 "possibly
// repeated"), so `X-retry1-retry2` lineage still resolves to `X`.
func StripRetrySuffix(id string) string {
	for {
		trimmed := retryIDSuffix.ReplaceAllString(id, "")
		if trimmed == id {
			return id
		}
		id = trimmed
	}
}

// NextRetryID produces the new job ID for attempt N of fingerprint base
// (spec §4.4 "a new ID of the form <originalId>-retryN").
func NextRetryID(originalID string, attempt int) string {
	return originalID + "-retry" + strconv.Itoa(attempt)
}

// RetryController implements C4: it decides whether a failed attempt
// becomes a fresh queued job and, if so, how long to wait, tracking
// attempt counts per fingerprint rather than per transient job ID
// (spec §4.4).
type RetryController struct {
	mu     sync.Mutex
	cfg    RetryConfig
	ledger map[string]*ledgerEntry
	ledgerTTL time.Duration
	now    func() time.Time
}

func NewRetryController(cfg RetryConfig) *RetryController {
	if cfg.BaseMs <= 0 {
		cfg.BaseMs = 60_000
	}
	if cfg.CapMs <= 0 {
		cfg.CapMs = 1_800_000
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0.2
	}
	if cfg.AbsoluteMax <= 0 {
		cfg.AbsoluteMax = 10
	}
	if cfg.TimeoutMaxAttempts <= 0 {
		cfg.TimeoutMaxAttempts = 2
	}
	if cfg.NoRetryCodes == nil {
		cfg.NoRetryCodes = map[string]struct{}{}
	}
	return &RetryController{
		cfg:       cfg,
		ledger:    make(map[string]*ledgerEntry),
		ledgerTTL: 24 * time.Hour,
		now:       time.Now,
	}
}

// ledgerKey composes the retry ledger key from (jobType, fingerprint) —
// DESIGN.md's Open Question decision: two jobs of different types that
// happen to share a fingerprint must never share a retry ledger entry.
func ledgerKey(jobType, fingerprint string) string {
	return jobType + "\x00" + fingerprint
}

// OnFailure is the Contract of spec §4.4. fingerprint identifies the
// logical job across retries within jobType; classification and the
// optional retryAfter hint come from the classified error; code is the
// machine error code consulted against the no-retry set.
func (c *RetryController) OnFailure(jobType, fingerprint string, classification Classification, code string, retryAfter time.Duration) RetryDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()

	if _, blocked := c.cfg.NoRetryCodes[code]; blocked {
		return RetryDecision{Retry: false}
	}
	if !classification.Retryable() {
		return RetryDecision{Retry: false}
	}

	key := ledgerKey(jobType, fingerprint)
	entry, ok := c.ledger[key]
	if !ok {
		entry = &ledgerEntry{classAttempts: make(map[Classification]int)}
		c.ledger[key] = entry
	}
	entry.expires = c.now().Add(c.ledgerTTL)
	entry.attempts++
	entry.classAttempts[classification]++

	if entry.attempts > c.cfg.AbsoluteMax {
		return RetryDecision{Retry: false, Attempt: entry.attempts, CircuitOpened: true}
	}
	if classification == ClassTimeout && entry.classAttempts[ClassTimeout] > c.cfg.TimeoutMaxAttempts {
		return RetryDecision{Retry: false, Attempt: entry.attempts, CircuitOpened: true}
	}

	delay := c.computeBackoff(entry.attempts)
	if classification == ClassRateLimited && retryAfter > 0 {
		capDur := time.Duration(c.cfg.CapMs) * time.Millisecond
		if retryAfter > capDur {
			retryAfter = capDur
		}
		delay = retryAfter
	}

	return RetryDecision{Retry: true, Delay: delay, Attempt: entry.attempts}
}

// computeBackoff implements `delayMs = min(baseMs*2^(attempt-1), capMs)
// * (1 + rand[-jitter,+jitter])` from spec §4.4.
func (c *RetryController) computeBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(c.cfg.BaseMs) * math.Pow(2, float64(attempt-1))
	capMs := float64(c.cfg.CapMs)
	if base > capMs {
		base = capMs
	}
	jitter := c.cfg.Jitter
	factor := 1 + (rand.Float64()*2-1)*jitter
	ms := base * factor
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// Attempts reports the current ledger count for (jobType, fingerprint)
// (0 if untracked), used by tests asserting the circuit-breaker ceiling.
func (c *RetryController) Attempts(jobType, fingerprint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.ledger[ledgerKey(jobType, fingerprint)]; ok {
		return e.attempts
	}
	return 0
}

// Prune removes a (jobType, fingerprint) ledger entry. It is called when
// a job in the retry chain is cancelled (spec §4.4 "closes the circuit
// and prunes the ledger entry"), when it completes, and when the engine
// gives up on it (including when the circuit opens), so a later job with
// the same key starts a fresh ledger entry.
func (c *RetryController) Prune(jobType, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ledger, ledgerKey(jobType, fingerprint))
}

func (c *RetryController) evictExpiredLocked() {
	now := c.now()
	for fp, e := range c.ledger {
		if now.After(e.expires) {
			delete(c.ledger, fp)
		}
	}
}

// Fingerprint resolves a (possibly retried) job ID back to the
// fingerprint the ledger is keyed on (spec §4.4 / §8 "Retry-ID
// lineage"). When the job doesn't carry an explicit fingerprint this
// degenerates to the base job ID.
func Fingerprint(jobID, explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	return StripRetrySuffix(jobID)
}
