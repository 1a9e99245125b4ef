// Package dlog is the dual-sink durability logger for activity events
// (spec.md §4.9): SQLite in WAL mode plus append-only JSONL, with a
// five-step degradation chain down to stderr and a drop counter so the
// caller's non-blocking send is never starved.
//
// The bounded-channel, non-blocking-send-with-drop-counter worker
// pattern is grounded on the teacher's supervisor channel plumbing
// (internal/observability defines a dropped-events counter for it,
// which cmd/sbhd does not update); the SQLite driver is modernc.org/sqlite, the pure-Go
// database/sql driver retrieved for this daemon's schema — chosen over
// a cgo SQLite binding for the same no-system-toolchain reason the
// teacher favors go.etcd.io/bbolt for its own on-disk store.
package dlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/sbhd/sbhd/internal/events"
)

const sqliteFailThreshold = 50

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY,
	ts TEXT NOT NULL,
	kind TEXT NOT NULL,
	mount TEXT,
	path TEXT,
	bytes INTEGER,
	payload BLOB
);`

// Sink is the closed tagged sum of degradation levels (spec.md §4.9).
type Sink int

const (
	SinkBoth Sink = iota
	SinkJSONLOnly
	SinkDevShm
	SinkStderr
	SinkDropped
)

func (s Sink) String() string {
	switch s {
	case SinkJSONLOnly:
		return "JSONLOnly"
	case SinkDevShm:
		return "DevShm"
	case SinkStderr:
		return "Stderr"
	case SinkDropped:
		return "Dropped"
	default:
		return "Both"
	}
}

// Params configures one Logger instance.
type Params struct {
	SqlitePath  string
	JSONLPath   string
	DevShmPath  string
	ChannelCap  int

	// Seq mints self-describing events (LoggerDegraded) the logger
	// emits about its own health. Nil disables self-emission.
	Seq *events.Sequencer

	// OnSQLiteFailure, if set, is called after every failed SQLite
	// insert with the lifetime failure count, so the caller can mirror
	// it onto a Prometheus counter without dlog importing observability.
	OnSQLiteFailure func(lifetimeFailures uint64)

	// OnDegraded, if set, is called exactly once when the logger first
	// demotes out of SinkBoth.
	OnDegraded func()
}

// Logger runs a single writer goroutine draining a bounded channel of
// events, applying the degradation chain on sink failure.
type Logger struct {
	log *zap.Logger
	ch  chan events.Event
	seq *events.Sequencer

	onSQLiteFailure func(uint64)
	onDegraded      func()

	db          *sql.DB
	jsonlFile   *os.File
	jsonlPath   string
	devShmPath  string

	mu               sync.Mutex
	sqliteFailStreak int
	sqliteFailures   atomic.Uint64
	currentSink      Sink
	dropped          atomic.Uint64

	wg   sync.WaitGroup
	stop chan struct{}
}

// Open prepares both sinks (SQLite WAL + JSONL) and starts the writer
// goroutine. Errors opening SQLite are non-fatal: the logger starts
// already demoted to JSONL-only and emits a LoggerDegraded event
// through the non-SQLite sinks before returning.
func Open(p Params, log *zap.Logger) (*Logger, error) {
	l := &Logger{
		log:             log,
		ch:              make(chan events.Event, p.ChannelCap),
		seq:             p.Seq,
		onSQLiteFailure: p.OnSQLiteFailure,
		onDegraded:      p.OnDegraded,
		jsonlPath:       p.JSONLPath,
		devShmPath:      p.DevShmPath,
		stop:            make(chan struct{}),
	}

	db, err := sql.Open("sqlite", p.SqlitePath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		log.Warn("sqlite open failed, starting degraded", zap.Error(err))
		l.currentSink = SinkJSONLOnly
	} else if _, err := db.Exec(schemaSQL); err != nil {
		log.Warn("sqlite schema migration failed, starting degraded", zap.Error(err))
		db.Close()
		l.currentSink = SinkJSONLOnly
	} else {
		l.db = db
	}

	f, err := os.OpenFile(p.JSONLPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn("jsonl open failed, will try /dev/shm fallback", zap.Error(err))
	} else {
		l.jsonlFile = f
	}

	if l.currentSink == SinkJSONLOnly {
		l.emitSelf(events.LoggerDegraded, map[string]interface{}{"reason": "sqlite unavailable at open"})
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Emit performs a non-blocking send. On overflow the event is dropped
// and the drop counter incremented; the caller is never blocked.
func (l *Logger) Emit(ev events.Event) {
	select {
	case l.ch <- ev:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns the lifetime count of events dropped due to channel overflow.
func (l *Logger) Dropped() uint64 { return l.dropped.Load() }

// SQLiteFailures returns the lifetime count of failed SQLite insert attempts.
func (l *Logger) SQLiteFailures() uint64 { return l.sqliteFailures.Load() }

// CurrentSink reports the active degradation level.
func (l *Logger) CurrentSink() Sink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSink
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.ch:
			l.write(ev)
		case <-l.stop:
			// Drain remaining buffered events before exiting so a
			// graceful shutdown never silently loses what's queued.
			for {
				select {
				case ev := <-l.ch:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(ev events.Event) {
	payload, _ := json.Marshal(ev.Payload)

	sqliteOK, justDegraded := l.writeSQLite(ev, payload)
	jsonlOK := l.writeJSONL(ev)

	if justDegraded {
		if l.onDegraded != nil {
			l.onDegraded()
		}
		l.emitSelf(events.LoggerDegraded, map[string]interface{}{
			"sqlite_failures": l.sqliteFailures.Load(),
		})
	}

	if sqliteOK && jsonlOK {
		return
	}
	if jsonlOK {
		return // at least one sink durable
	}
	if l.writeDevShm(ev) {
		return
	}
	if l.writeStderr(ev) {
		return
	}
	l.dropped.Add(1)
}

// writeSQLite attempts the insert and reports whether it succeeded and
// whether this call is the one that pushed the logger from SinkBoth
// into SinkJSONLOnly.
func (l *Logger) writeSQLite(ev events.Event, payload []byte) (ok, justDegraded bool) {
	if l.db == nil {
		return false, false
	}
	l.mu.Lock()
	demoted := l.currentSink != SinkBoth
	l.mu.Unlock()
	if demoted {
		return false, false
	}
	_, err := l.db.Exec(`INSERT INTO events (seq, ts, kind, mount, path, bytes, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.Timestamp.Format("2006-01-02T15:04:05.999999999Z07:00"), ev.Kind.String(), ev.Mount, ev.Path, ev.Bytes, payload)

	if err == nil {
		l.mu.Lock()
		l.sqliteFailStreak = 0
		l.mu.Unlock()
		return true, false
	}

	lifetime := l.sqliteFailures.Add(1)
	if l.onSQLiteFailure != nil {
		l.onSQLiteFailure(lifetime)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sqliteFailStreak++
	if l.sqliteFailStreak >= sqliteFailThreshold && l.currentSink == SinkBoth {
		l.currentSink = SinkJSONLOnly
		l.log.Warn("sqlite demoted after consecutive insert failures", zap.Int("fail_streak", l.sqliteFailStreak))
		return false, true
	}
	return false, false
}

// emitSelf writes a logger-generated event (e.g. LoggerDegraded)
// directly through the non-SQLite sinks, bypassing the channel — it
// describes the SQLite sink itself, so routing it back through SQLite
// would be circular.
func (l *Logger) emitSelf(kind events.Kind, payload map[string]interface{}) {
	if l.seq == nil {
		return
	}
	ev := l.seq.New(kind)
	for k, v := range payload {
		ev.Payload[k] = v
	}
	if l.writeJSONL(ev) {
		return
	}
	if l.writeDevShm(ev) {
		return
	}
	l.writeStderr(ev)
}

func (l *Logger) writeJSONL(ev events.Event) bool {
	if l.jsonlFile == nil {
		return false
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	line = append(line, '\n')
	if _, err := l.jsonlFile.Write(line); err != nil {
		l.log.Warn("jsonl write failed, trying /dev/shm fallback", zap.Error(err))
		return false
	}
	return true
}

func (l *Logger) writeDevShm(ev events.Event) bool {
	if l.devShmPath == "" {
		return false
	}
	f, err := os.OpenFile(l.devShmPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()
	line, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err == nil
}

func (l *Logger) writeStderr(ev events.Event) bool {
	_, err := fmt.Fprintf(os.Stderr, "%s\n", mustMarshal(ev))
	return err == nil
}

func mustMarshal(ev events.Event) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		return []byte(fmt.Sprintf("%+v", ev))
	}
	return b
}

// Close stops the writer goroutine after draining the channel and
// closes both sink handles.
func (l *Logger) Close() error {
	close(l.stop)
	l.wg.Wait()
	if l.db != nil {
		l.db.Close()
	}
	if l.jsonlFile != nil {
		l.jsonlFile.Close()
	}
	return nil
}
