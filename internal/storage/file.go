package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pillcall/internal/recurrence"
	"pillcall/internal/registry"
	"pillcall/internal/reminder"
	logx "pillcall/pkg/logx"
)

// fileStore is the memory store persisted to disk.
//
// Files:
//   - <prefix>.snapshot.json  (patients + reminders, rewritten via tmp+rename)
//   - <prefix>.outcomes.jsonl (append-only audit journal, rewritten on prune)
type fileStore struct {
	*memStore

	snapshotPath string
	journalPath  string
	journalFile  *os.File
}

type fileSnapshot struct {
	Seq       int64              `json:"seq"`
	Patients  []registry.Patient `json:"patients"`
	Reminders []reminderRecord   `json:"reminders"`
}

type reminderRecord struct {
	ID            int64              `json:"id"`
	OwnerID       int64              `json:"owner_id"`
	Label         string             `json:"label"`
	Rule          recurrence.Encoded `json:"rule"`
	LocalTime     string             `json:"local_time"`
	NextFireAt    time.Time          `json:"next_fire_at"`
	Active        bool               `json:"active"`
	LastFiredAt   *time.Time         `json:"last_fired_at,omitempty"`
	DeactivatedAt *time.Time         `json:"deactivated_at,omitempty"`
	RearmCount    int                `json:"rearm_count,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{
		memStore:     newMemStore(cfg, log),
		snapshotPath: prefix + ".snapshot.json",
		journalPath:  prefix + ".outcomes.jsonl",
	}
	if err := fs.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := fs.replayJournal(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay outcomes: %w", err)
	}

	jf, err := os.OpenFile(fs.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	fs.journalFile = jf

	fs.memStore.persist = fs.writeSnapshotLocked
	fs.memStore.journal = fs.appendOutcomeLocked
	fs.memStore.pruned = fs.rewriteJournalLocked
	return fs, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) writeSnapshotLocked() error {
	snap := fileSnapshot{Seq: s.seq}
	for _, p := range s.patients {
		snap.Patients = append(snap.Patients, p)
	}
	for _, r := range s.reminders {
		snap.Reminders = append(snap.Reminders, toRecord(r))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) appendOutcomeLocked(o reminder.Outcome) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.journalFile).Encode(o)
}

func (s *fileStore) rewriteJournalLocked() error {
	tmp := s.journalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, o := range s.outcomes {
		if err := enc.Encode(o); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if s.journalFile != nil {
		_ = s.journalFile.Close()
		s.journalFile = nil
	}
	if err := os.Rename(tmp, s.journalPath); err != nil {
		return err
	}
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.journalFile = jf
	return nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.seq = snap.Seq
	for _, p := range snap.Patients {
		s.patients[p.ID] = p
	}
	for _, rec := range snap.Reminders {
		r, err := fromRecord(rec)
		if err != nil {
			s.log.Warn("skipping unreadable reminder", logx.Int64("id", rec.ID), logx.Err(err))
			continue
		}
		s.reminders[r.ID] = &r
		if r.ID > s.seq {
			s.seq = r.ID
		}
	}
	return nil
}

func (s *fileStore) replayJournal() error {
	f, err := os.Open(s.journalPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var o reminder.Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			continue
		}
		s.outcomes = append(s.outcomes, o)
	}
	return sc.Err()
}

func toRecord(r *reminder.Reminder) reminderRecord {
	return reminderRecord{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Label:         r.Label,
		Rule:          recurrence.Encode(r.Rule),
		LocalTime:     r.LocalTime.String(),
		NextFireAt:    r.NextFireAt,
		Active:        r.Active,
		LastFiredAt:   r.LastFiredAt,
		DeactivatedAt: r.DeactivatedAt,
		RearmCount:    r.RearmCount,
		CreatedAt:     r.CreatedAt,
	}
}

func fromRecord(rec reminderRecord) (reminder.Reminder, error) {
	rule, err := recurrence.Decode(rec.Rule)
	if err != nil {
		return reminder.Reminder{}, err
	}
	clock, err := recurrence.ParseClock(rec.LocalTime)
	if err != nil {
		return reminder.Reminder{}, err
	}
	return reminder.Reminder{
		ID:            rec.ID,
		OwnerID:       rec.OwnerID,
		Label:         rec.Label,
		Rule:          rule,
		LocalTime:     clock,
		NextFireAt:    rec.NextFireAt,
		Active:        rec.Active,
		LastFiredAt:   rec.LastFiredAt,
		DeactivatedAt: rec.DeactivatedAt,
		RearmCount:    rec.RearmCount,
		CreatedAt:     rec.CreatedAt,
	}, nil
}
