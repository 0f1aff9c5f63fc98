package fsm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"

	"github.com/unijord/pipecdc/pkg/coordinator/command"
	"github.com/unijord/pipecdc/pkg/gen/go/fb/pipecmd"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
	"github.com/unijord/pipecdc/pkg/pipeerr"
)

var (
	// pipe name -> PipeRecord JSON, iterated in name order.
	bucketPipes = []byte("pipes")
	// raft related meta db bucket
	bucketMeta = []byte("meta")
)

var (
	keyAppliedIndex = []byte("applied_index")
	keyAppliedTerm  = []byte("applied_term")
)

var (
	// ErrStaleTransition rejects a TRANSITION whose from state is no longer current.
	ErrStaleTransition = errors.New("pipe state changed concurrently")
	// ErrInvalidTransition rejects a step the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid pipe state transition")
	// ErrStaleGeneration rejects HISTORY_DONE for a previous incarnation of a pipe.
	ErrStaleGeneration = errors.New("pipe generation superseded")
)

// Event describes one committed change. Type is CommandTypeNONE for the
// events replayed after a snapshot restore.
type Event struct {
	Type     pipecmd.CommandType
	Index    uint64
	Previous State
	Record   *PipeRecord
}

// Callback is called after a change is committed.
type Callback func(Event)

// Result is the response of Apply. Err is a rejection; the entry still
// counts as applied. Record is the record after the command, or the
// current record when the command was rejected.
type Result struct {
	Record *PipeRecord
	Err    error
}

// FSM implements the hashicorp/raft.FSM interface using BoltDB for the pipe table.
type FSM struct {
	// guards db, which Restore swaps
	dbMu   sync.RWMutex
	db     *bolt.DB
	dbPath string
	logger *slog.Logger

	mu        sync.RWMutex
	callbacks []Callback
}

// Config holds FSM configuration Options.
type Config struct {
	DBPath string
	Logger *slog.Logger
}

// New opens or creates the BoltDB file at cfg.DBPath.
func New(cfg Config) (*FSM, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	f := &FSM{
		db:     db,
		dbPath: cfg.DBPath,
		logger: cfg.Logger.With("component", "fsm"),
	}

	index, term, err := f.AppliedIndex()
	if err != nil {
		db.Close()
		return nil, err
	}
	f.logger.Info("opened pipe table", "path", cfg.DBPath, "applied_index", index, "applied_term", term)
	return f, nil
}

func openDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPipes); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return db, nil
}

// RegisterCallback adds a callback for pipe changes.
func (f *FSM) RegisterCallback(cb Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

func (f *FSM) notifyCallbacks(ev Event) {
	f.mu.RLock()
	callbacks := f.callbacks
	f.mu.RUnlock()

	for _, cb := range callbacks {
		cb(Event{Type: ev.Type, Index: ev.Index, Previous: ev.Previous, Record: ev.Record.Clone()})
	}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand || len(log.Data) == 0 {
		return nil
	}

	cmd, err := command.Decode(log.Data)
	if err != nil {
		f.logger.Warn("skipping undecodable command", "index", log.Index, "error", err)
		return &Result{Err: err}
	}

	f.dbMu.RLock()
	defer f.dbMu.RUnlock()

	var (
		res     Result
		ev      *Event
		skipped bool
	)
	err = f.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if applied := DecodeUint64(meta.Get(keyAppliedIndex)); log.Index <= applied {
			skipped = true
			return nil
		}

		pipes := tx.Bucket(bucketPipes)
		var err error
		switch cmd.Type {
		case pipecmd.CommandTypeCREATE:
			ev, res, err = f.applyCreate(pipes, cmd, log.Index)
		case pipecmd.CommandTypeTRANSITION:
			ev, res, err = f.applyTransition(pipes, cmd, log.Index)
		case pipecmd.CommandTypeHISTORY_DONE:
			ev, res, err = f.applyHistoryDone(pipes, cmd, log.Index)
		default:
			res.Err = fmt.Errorf("unknown command type %s", cmd.Type)
		}
		if err != nil {
			return err
		}

		if err := meta.Put(keyAppliedIndex, EncodeUint64(log.Index)); err != nil {
			return err
		}
		return meta.Put(keyAppliedTerm, EncodeUint64(log.Term))
	})
	if err != nil {
		f.logger.Error("failed to apply command",
			"type", cmd.Type,
			"pipe", cmd.Name,
			"index", log.Index,
			"error", err)
		return &Result{Err: err}
	}

	if skipped {
		f.logger.Debug("skipping already applied entry", "index", log.Index, "type", cmd.Type)
		return nil
	}

	if res.Err != nil {
		f.logger.Debug("command rejected",
			"type", cmd.Type,
			"pipe", cmd.Name,
			"request_id", cmd.RequestID,
			"reason", res.Err)
	}
	if ev != nil {
		f.logger.Info("pipe changed",
			"type", cmd.Type,
			"pipe", ev.Record.Name,
			"state", ev.Record.State,
			"previous", ev.Previous,
			"index", log.Index)
		f.notifyCallbacks(*ev)
	}
	return &res
}

func putRecord(b *bolt.Bucket, r *PipeRecord) error {
	data, err := r.Encode()
	if err != nil {
		return fmt.Errorf("encode pipe record: %w", err)
	}
	return b.Put([]byte(r.Name), data)
}

func (f *FSM) applyCreate(b *bolt.Bucket, cmd command.Command, index uint64) (*Event, Result, error) {
	existing := DecodePipeRecord(b.Get([]byte(cmd.Name)))
	if existing.Live() {
		return nil, Result{
			Record: existing,
			Err:    fmt.Errorf("pipe %q: %w", cmd.Name, pipeerr.ErrDuplicateName),
		}, nil
	}

	var cfg pipeconfig.PipeConfiguration
	if err := json.Unmarshal(cmd.Payload, &cfg); err != nil {
		return nil, Result{Err: pipeerr.Configuration("config", cmd.Name, err.Error())}, nil
	}

	var previous State
	if existing != nil {
		previous = existing.State
	}
	record := &PipeRecord{
		Name:         cmd.Name,
		State:        StateCreated,
		Config:       &cfg,
		Generation:   index,
		RequestID:    cmd.RequestID,
		CreatedAt:    cmd.ProposedAt,
		UpdatedIndex: index,
	}
	if err := putRecord(b, record); err != nil {
		return nil, Result{}, err
	}
	return &Event{Type: cmd.Type, Index: index, Previous: previous, Record: record}, Result{Record: record.Clone()}, nil
}

func (f *FSM) applyTransition(b *bolt.Bucket, cmd command.Command, index uint64) (*Event, Result, error) {
	from, to := State(cmd.From), State(cmd.To)

	record := DecodePipeRecord(b.Get([]byte(cmd.Name)))
	if !record.Live() {
		return nil, Result{Record: record, Err: fmt.Errorf("pipe %q: %w", cmd.Name, pipeerr.ErrNotFound)}, nil
	}
	if record.State != from {
		return nil, Result{
			Record: record,
			Err:    fmt.Errorf("pipe %q is %s, proposal expected %s: %w", cmd.Name, record.State, from, ErrStaleTransition),
		}, nil
	}
	if !CanTransition(from, to) {
		return nil, Result{
			Record: record,
			Err:    fmt.Errorf("pipe %q %s -> %s: %w", cmd.Name, from, to, ErrInvalidTransition),
		}, nil
	}

	record.State = to
	record.UpdatedIndex = index
	if to == StateRunning {
		record.RunningSince = cmd.ProposedAt
	} else {
		record.RunningSince = 0
	}
	if err := putRecord(b, record); err != nil {
		return nil, Result{}, err
	}
	return &Event{Type: cmd.Type, Index: index, Previous: from, Record: record}, Result{Record: record.Clone()}, nil
}

func (f *FSM) applyHistoryDone(b *bolt.Bucket, cmd command.Command, index uint64) (*Event, Result, error) {
	record := DecodePipeRecord(b.Get([]byte(cmd.Name)))
	if !record.Live() {
		return nil, Result{Record: record, Err: fmt.Errorf("pipe %q: %w", cmd.Name, pipeerr.ErrNotFound)}, nil
	}
	if record.Generation != cmd.Generation {
		return nil, Result{
			Record: record,
			Err:    fmt.Errorf("pipe %q generation %d, report for %d: %w", cmd.Name, record.Generation, cmd.Generation, ErrStaleGeneration),
		}, nil
	}
	if record.RegionDone(cmd.Region) {
		// duplicate report from a retry
		return nil, Result{Record: record}, nil
	}

	if record.HistoryDone == nil {
		record.HistoryDone = make(map[string]string)
	}
	record.HistoryDone[cmd.Region] = cmd.Node
	record.UpdatedIndex = index
	if err := putRecord(b, record); err != nil {
		return nil, Result{}, err
	}
	return &Event{Type: cmd.Type, Index: index, Previous: record.State, Record: record}, Result{Record: record.Clone()}, nil
}

// Snapshot implements raft.FSM.
// Returns a snapshot of the current FSM state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.dbMu.RLock()
	defer f.dbMu.RUnlock()

	tx, err := f.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	return &FSMSnapshot{tx: tx, logger: f.logger}, nil
}

// Restore implements raft.FSM.
// Restores the FSM state from a snapshot by replacing the BoltDB file, then
// replays every record to the callbacks.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	tmpPath := f.dbPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	out.Close()

	f.dbMu.Lock()
	if err := f.db.Close(); err != nil {
		f.dbMu.Unlock()
		os.Remove(tmpPath)
		return fmt.Errorf("close db: %w", err)
	}
	if err := os.Rename(tmpPath, f.dbPath); err != nil {
		f.dbMu.Unlock()
		return fmt.Errorf("rename snapshot: %w", err)
	}
	db, err := openDB(f.dbPath)
	if err != nil {
		f.dbMu.Unlock()
		return fmt.Errorf("reopen db: %w", err)
	}
	f.db = db
	f.dbMu.Unlock()

	records, err := f.List()
	if err != nil {
		return err
	}
	index, _, _ := f.AppliedIndex()
	f.logger.Info("restored FSM from snapshot", "pipes", len(records), "applied_index", index)

	for _, r := range records {
		f.notifyCallbacks(Event{Type: pipecmd.CommandTypeNONE, Index: index, Previous: r.State, Record: r})
	}
	return nil
}

// Get returns the record for name, nil when it was never created.
func (f *FSM) Get(name string) (*PipeRecord, error) {
	f.dbMu.RLock()
	defer f.dbMu.RUnlock()

	var record *PipeRecord
	err := f.db.View(func(tx *bolt.Tx) error {
		record = DecodePipeRecord(tx.Bucket(bucketPipes).Get([]byte(name)))
		return nil
	})
	return record, err
}

// List returns every record, tombstones included, ordered by name.
func (f *FSM) List() ([]*PipeRecord, error) {
	f.dbMu.RLock()
	defer f.dbMu.RUnlock()

	var records []*PipeRecord
	err := f.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPipes).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			record := DecodePipeRecord(v)
			if record == nil {
				return fmt.Errorf("decode pipe record %q", k)
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

// AppliedIndex returns the last applied raft index and term.
func (f *FSM) AppliedIndex() (index, term uint64, err error) {
	f.dbMu.RLock()
	defer f.dbMu.RUnlock()

	err = f.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		index = DecodeUint64(meta.Get(keyAppliedIndex))
		term = DecodeUint64(meta.Get(keyAppliedTerm))
		return nil
	})
	return index, term, err
}

// Close closes the FSM and its underlying BoltDB.
func (f *FSM) Close() error {
	f.dbMu.Lock()
	defer f.dbMu.Unlock()
	return f.db.Close()
}

// FSMSnapshot implements raft.FSMSnapshot.
type FSMSnapshot struct {
	tx     *bolt.Tx
	logger *slog.Logger
}

// Persist writes the entire BoltDB database to the snapshot sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	defer s.tx.Rollback()

	n, err := s.tx.WriteTo(sink)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.logger.Debug("persisted snapshot", "bytes", n, "id", sink.ID())
	return sink.Close()
}

// Release releases the snapshot resources.
func (s *FSMSnapshot) Release() {
	s.tx.Rollback()
}

var _ raft.FSM = (*FSM)(nil)
