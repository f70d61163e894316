// Package proof implements the append-only audit log. Every stage of every
// control-loop cycle emits a proof record; a cycle with no proof output is
// treated as a crashed cycle, so a failing sink is fatal to the instance.
//
// Records are jsonl, one per line, hash-chained: each entry carries the
// blake2b-256 digest of the previous line, so any edit or deletion breaks the
// chain from that point on.
package proof

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Kind labels what a proof record attests to.
type Kind string

const (
	KindDecision             Kind = "RL_DECISION"
	KindExec                 Kind = "ORCH_EXEC"
	KindRefuse               Kind = "ORCH_REFUSE"
	KindGovernanceBlock      Kind = "GOVERNANCE_BLOCK"
	KindCooldownActive       Kind = "COOLDOWN_ACTIVE"
	KindRepetitionSuppressed Kind = "REPETITION_SUPPRESSED"
	KindUncertaintyNoop      Kind = "UNCERTAINTY_NOOP"
	KindSignalConflict       Kind = "SIGNAL_CONFLICT_OBSERVE"
	KindSystemStable         Kind = "SYSTEM_STABLE"
	KindInvalidInput         Kind = "INVALID_INPUT"
	KindPolicyCall           Kind = "POLICY_CALL"
	KindPolicyResponse       Kind = "POLICY_RESPONSE"
	KindPolicyError          Kind = "POLICY_ERROR"
	KindUnsafeActionRefused  Kind = "UNSAFE_ACTION_REFUSED"
	KindMemoryOverride       Kind = "MEMORY_OVERRIDE"
	KindOnboardingNoop       Kind = "ONBOARDING_NOOP"
	KindHeartbeat            Kind = "HEARTBEAT"
	KindPhaseError           Kind = "PHASE_ERROR"
)

// Severity of a record. Refusals at the executor gate are warn or above
// because reaching that gate means an upstream check was bypassed.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Record is one immutable audit entry.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Env       string         `json:"env"`
	Entity    string         `json:"entity,omitempty"`
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Detail    string         `json:"detail,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Prev      string         `json:"prev"` // blake2b-256 of the previous line, hex
}

const genesisPrev = "genesis"

// Log is the append-only proof sink. One Log is shared by every
// per-environment instance in the process; appends are serialized.
type Log struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	prevHash string
	count    int

	subMu   sync.RWMutex
	subs    map[int]chan Record
	nextSub int
}

// Open creates or reopens the proof log at path. Reopening an existing log
// re-derives the chain head from the last line so new entries keep the chain
// intact.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create proof dir: %w", err)
	}

	prev, count, err := chainHead(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open proof log: %w", err)
	}

	return &Log{
		path:     path,
		logger:   logger.With("component", "proof"),
		file:     f,
		prevHash: prev,
		count:    count,
		subs:     make(map[int]chan Record),
	}, nil
}

// chainHead scans an existing log and returns the hash of its last line and
// the number of entries. A missing file starts a new chain.
func chainHead(path string) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisPrev, 0, nil
		}
		return "", 0, fmt.Errorf("open proof log: %w", err)
	}
	defer f.Close()

	prev := genesisPrev
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		prev = hashLine(line)
		count++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("scan proof log: %w", err)
	}
	return prev, count, nil
}

func hashLine(line []byte) string {
	sum := blake2b.Sum256(line)
	return hex.EncodeToString(sum[:])
}

// Append writes a record to the log and notifies subscribers. The id,
// timestamp and prev hash are filled in here. An error from Append means the
// audit trail can no longer be trusted; callers must treat it as fatal.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()

	rec.ID = fmt.Sprintf("proof_%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.New().String()[:8])
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}
	rec.Prev = l.prevHash

	data, err := json.Marshal(rec)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("marshal proof record: %w", err)
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("write proof record: %w", err)
	}

	l.prevHash = hashLine(data)
	l.count++
	l.mu.Unlock()

	l.logger.Debug("proof appended", "kind", rec.Kind, "env", rec.Env, "entity", rec.Entity)
	l.notify(rec)
	return nil
}

// Count returns the number of records written so far, including entries
// present before this process opened the log.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Subscribe returns a channel receiving every record appended after the call,
// and a cancel func. Slow subscribers drop records rather than block appends.
func (l *Log) Subscribe() (<-chan Record, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan Record, 64)
	l.subs[id] = ch

	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (l *Log) notify(rec Record) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// ReadAll returns every record currently in the log, oldest first.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open proof log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("corrupt proof record: %w", err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// Verify walks the whole chain and reports the first entry whose prev hash
// does not match the preceding line. Returns the number of verified entries.
func (l *Log) Verify() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open proof log: %w", err)
	}
	defer f.Close()

	prev := genesisPrev
	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return n, fmt.Errorf("entry %d: corrupt record: %w", n, err)
		}
		if rec.Prev != prev {
			return n, fmt.Errorf("entry %d: chain broken (prev %s, want %s)", n, rec.Prev, prev)
		}
		prev = hashLine(line)
		n++
	}
	return n, scanner.Err()
}

// Close closes the underlying file and all subscriber channels.
func (l *Log) Close() error {
	l.subMu.Lock()
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	l.subMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
