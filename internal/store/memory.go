package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// InMemoryStore keeps everything in process memory. Session state is held
// serialized so callers never share mutable state with the store.
type InMemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]memSession
	responses   map[string][]models.Response
	forms       map[string]models.Form
	questions   map[string][]models.Question
	clients     map[string]models.Client
	snapshots   map[string][]memSnapshot
	snapshotSeq int64
	jobs        map[string]*Job
	submissions map[string]*SubmissionRecord
}

type memSession struct {
	record models.Session
	state  []byte
}

type memSnapshot struct {
	meta  models.Snapshot
	state []byte
}

var _ Backend = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]memSession),
		responses:   make(map[string][]models.Response),
		forms:       make(map[string]models.Form),
		questions:   make(map[string][]models.Question),
		clients:     make(map[string]models.Client),
		snapshots:   make(map[string][]memSnapshot),
		jobs:        make(map[string]*Job),
		submissions: make(map[string]*SubmissionRecord),
	}
}

func encodeState(st *models.SessionState) ([]byte, error) {
	if st == nil {
		return nil, nil
	}
	return json.Marshal(st)
}

func decodeState(data []byte) *models.SessionState {
	if len(data) == 0 {
		return nil
	}
	var st models.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		// A damaged blob is treated as missing; the engine rebuilds defaults.
		return nil
	}
	return &st
}

func copyTracking(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m memSession) materialize() *models.Session {
	s := m.record
	s.Tracking = copyTracking(m.record.Tracking)
	s.State = decodeState(m.state)
	return &s
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess models.Session) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return nil, fmt.Errorf("session %s already exists", sess.ID)
	}
	state, err := encodeState(sess.State)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	rec := sess
	rec.State = nil
	rec.Tracking = copyTracking(sess.Tracking)
	m := memSession{record: rec, state: state}
	s.sessions[sess.ID] = m
	return m.materialize(), nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return m.materialize(), nil
}

func (s *InMemoryStore) applyPatch(id string, patch models.SessionPatch) (*models.Session, error) {
	m, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.State != nil {
		state, err := encodeState(patch.State)
		if err != nil {
			return nil, fmt.Errorf("encode session state: %w", err)
		}
		m.state = state
	}
	patch.State = nil
	patch.ApplyTo(&m.record)
	m.record.UpdatedAt = time.Now()
	s.sessions[id] = m
	return m.materialize(), nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyPatch(id, patch)
}

func (s *InMemoryStore) UpdateSessionIf(ctx context.Context, id string, expected SessionVersion, patch models.SessionPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !expected.Matches(&m.record) {
		return false, nil
	}
	if _, err := s.applyPatch(id, patch); err != nil {
		return false, err
	}
	return true, nil
}

func (s *InMemoryStore) ListSessionsForSweep(ctx context.Context, inactiveSince time.Time, limit int) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, m := range s.sessions {
		r := m.record
		if r.Completed || r.AbandonmentStatus == models.AbandonmentAbandoned || !r.LastActivityAt.Before(inactiveSince) {
			continue
		}
		out = append(out, *m.materialize())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) AppendResponse(ctx context.Context, r models.Response) (*models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.responses[r.SessionID] {
		if existing.QuestionID == r.QuestionID {
			return nil, ErrDuplicateResponse
		}
	}
	if r.ID == "" {
		r.ID = util.NewResponseID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.responses[r.SessionID] = append(s.responses[r.SessionID], r)
	out := r
	return &out, nil
}

func (s *InMemoryStore) ListResponses(ctx context.Context, sessionID string) ([]models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Response(nil), s.responses[sessionID]...), nil
}

func (s *InMemoryStore) SaveForm(ctx context.Context, form models.Form, questions []models.Question, client *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forms[form.ID] = form
	qs := make([]models.Question, len(questions))
	for i, q := range questions {
		q.FormID = form.ID
		q.Options = append([]string(nil), q.Options...)
		qs[i] = q
	}
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Position < qs[j].Position })
	s.questions[form.ID] = qs
	if client != nil {
		c := *client
		c.FormID = form.ID
		s.clients[form.ID] = c
	}
	return nil
}

func (s *InMemoryStore) GetForm(ctx context.Context, formID string) (*models.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[formID]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) ListQuestions(ctx context.Context, formID string) ([]models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Question(nil), s.questions[formID]...), nil
}

func (s *InMemoryStore) GetClient(ctx context.Context, formID string) (*models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[formID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotSeq++
	snap.ID = s.snapshotSeq
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	snap.State = models.SessionState{}
	s.snapshots[snap.SessionID] = append(s.snapshots[snap.SessionID], memSnapshot{meta: snap, state: state})
	return nil
}

func (s *InMemoryStore) GetLatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.snapshots[sessionID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	snap := latest.meta
	if err := json.Unmarshal(latest.state, &snap.State); err != nil {
		return nil, fmt.Errorf("decode snapshot state: %w", err)
	}
	return &snap, nil
}

// SnapshotCount returns how many snapshots were written for a session.
func (s *InMemoryStore) SnapshotCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots[sessionID])
}

func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

// --- JobRepo ---

func (s *InMemoryStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := &Job{
		ID:          util.NewJobID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].RunAt.Before(due[b].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusDone
	j.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	return nil
}

func (s *InMemoryStore) CancelJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = JobStatusCanceled
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	out := *j
	return &out, nil
}

// --- DedupRepo ---

func (s *InMemoryStore) IsDuplicate(ctx context.Context, submissionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.submissions[submissionID]
	return ok, nil
}

func (s *InMemoryStore) RecordSubmission(ctx context.Context, submissionID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submissions[submissionID]; ok {
		return false, nil
	}
	s.submissions[submissionID] = &SubmissionRecord{SubmissionID: submissionID, SessionID: sessionID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, submissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.submissions[submissionID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) ForgetSubmission(ctx context.Context, submissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submissions, submissionID)
	return nil
}
