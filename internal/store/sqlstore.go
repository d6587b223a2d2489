package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// sqlStore implements the session contract over database/sql. Queries are
// written with "?" placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db       *sql.DB
	name     string
	postgres bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const sessionColumns = `id, form_id, client_id, step, completed, completion_type, abandonment_status,
	score, label, tracking_json, state_json, last_activity_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var clientID, trackingJSON, stateJSON sql.NullString
	err := row.Scan(&s.ID, &s.FormID, &clientID, &s.Step, &s.Completed, &s.CompletionType,
		&s.AbandonmentStatus, &s.Score, &s.Label, &trackingJSON, &stateJSON,
		&s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ClientID = clientID.String
	if trackingJSON.String != "" {
		if err := json.Unmarshal([]byte(trackingJSON.String), &s.Tracking); err != nil {
			slog.Warn("sqlStore.scanSession: dropping unreadable tracking data", "sessionID", s.ID, "error", err)
			s.Tracking = nil
		}
	}
	s.State = decodeState([]byte(stateJSON.String))
	return &s, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *sqlStore) CreateSession(ctx context.Context, sess models.Session) (*models.Session, error) {
	tracking := ""
	if len(sess.Tracking) > 0 {
		var err error
		if tracking, err = marshalJSON(sess.Tracking); err != nil {
			return nil, fmt.Errorf("encode tracking: %w", err)
		}
	}
	state, err := encodeState(sess.State)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.FormID, nilIfEmpty(sess.ClientID), sess.Step, sess.Completed, sess.CompletionType,
		sess.AbandonmentStatus, sess.Score, sess.Label, nilIfEmpty(tracking), nilIfEmpty(string(state)),
		sess.LastActivityAt, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		slog.Error(s.name+".CreateSession failed", "error", err, "sessionID", sess.ID)
		return nil, fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+".CreateSession succeeded", "sessionID", sess.ID, "formID", sess.FormID)
	return s.GetSession(ctx, sess.ID)
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// updateInTx reads the row, optionally checks a condition, applies the patch
// and writes it back inside one transaction.
func (s *sqlStore) updateInTx(ctx context.Context, id string, cond func(*models.Session) bool, patch models.SessionPatch) (*models.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	if s.postgres {
		query += ` FOR UPDATE`
	}
	sess, err := scanSession(tx.QueryRowContext(ctx, s.rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session %s: %w", id, err)
	}
	if cond != nil && !cond(sess) {
		return sess, false, nil
	}

	patch.ApplyTo(sess)
	sess.UpdatedAt = time.Now()
	state, err := encodeState(sess.State)
	if err != nil {
		return nil, false, fmt.Errorf("encode session state: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE sessions SET step = ?, completed = ?, completion_type = ?,
		abandonment_status = ?, score = ?, label = ?, state_json = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ?`),
		sess.Step, sess.Completed, sess.CompletionType, sess.AbandonmentStatus, sess.Score, sess.Label,
		nilIfEmpty(string(state)), sess.LastActivityAt, sess.UpdatedAt, id)
	if err != nil {
		return nil, false, fmt.Errorf("update session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit session %s: %w", id, err)
	}
	return sess, true, nil
}

func (s *sqlStore) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	sess, _, err := s.updateInTx(ctx, id, nil, patch)
	if err != nil {
		slog.Error(s.name+".UpdateSession failed", "error", err, "sessionID", id)
		return nil, err
	}
	slog.Debug(s.name+".UpdateSession succeeded", "sessionID", id, "step", sess.Step)
	return sess, nil
}

func (s *sqlStore) UpdateSessionIf(ctx context.Context, id string, expected SessionVersion, patch models.SessionPatch) (bool, error) {
	_, applied, err := s.updateInTx(ctx, id, expected.Matches, patch)
	if err != nil {
		slog.Error(s.name+".UpdateSessionIf failed", "error", err, "sessionID", id)
		return false, err
	}
	return applied, nil
}

func (s *sqlStore) ListSessionsForSweep(ctx context.Context, inactiveSince time.Time, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions
		WHERE completed = ? AND abandonment_status <> ? AND last_activity_at < ?
		ORDER BY last_activity_at ASC LIMIT ?`),
		false, models.AbandonmentAbandoned, inactiveSince, limit)
	if err != nil {
		return nil, fmt.Errorf("query sweep sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sweep session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweep sessions: %w", err)
	}
	return out, nil
}

func (s *sqlStore) AppendResponse(ctx context.Context, r models.Response) (*models.Response, error) {
	if r.ID == "" {
		r.ID = util.NewResponseID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO responses (id, session_id, question_id, answer, step, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (session_id, question_id) DO NOTHING`),
		r.ID, r.SessionID, r.QuestionID, r.Answer, r.Step, r.CreatedAt)
	if err != nil {
		slog.Error(s.name+".AppendResponse failed", "error", err, "sessionID", r.SessionID, "questionID", r.QuestionID)
		return nil, fmt.Errorf("insert response: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrDuplicateResponse
	}
	slog.Debug(s.name+".AppendResponse succeeded", "sessionID", r.SessionID, "questionID", r.QuestionID)
	return &r, nil
}

func (s *sqlStore) ListResponses(ctx context.Context, sessionID string) ([]models.Response, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, session_id, question_id, answer, step, created_at
		FROM responses WHERE session_id = ? ORDER BY created_at ASC, id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var out []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.ID, &r.SessionID, &r.QuestionID, &r.Answer, &r.Step, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return out, nil
}

func (s *sqlStore) SaveForm(ctx context.Context, form models.Form, questions []models.Question, client *models.Client) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rules, err := json.Marshal(form.Rules)
	if err != nil {
		return fmt.Errorf("encode rules for %s: %w", form.ID, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO forms (id, title, rules_json) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, rules_json = excluded.rules_json`),
		form.ID, form.Title, string(rules)); err != nil {
		return fmt.Errorf("upsert form %s: %w", form.ID, err)
	}
	for _, q := range questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			return fmt.Errorf("encode options for %s: %w", q.ID, err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO questions (form_id, id, text, required, rubric, category, options_json, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (form_id, id) DO UPDATE SET text = excluded.text, required = excluded.required,
				rubric = excluded.rubric, category = excluded.category, options_json = excluded.options_json,
				position = excluded.position`),
			form.ID, q.ID, q.Text, q.Required, q.Rubric, q.Category, string(options), q.Position)
		if err != nil {
			return fmt.Errorf("upsert question %s: %w", q.ID, err)
		}
	}
	if client != nil {
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO clients (form_id, id, name, business_type, description, service_area, service_radius_miles)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (form_id) DO UPDATE SET id = excluded.id, name = excluded.name,
				business_type = excluded.business_type, description = excluded.description,
				service_area = excluded.service_area, service_radius_miles = excluded.service_radius_miles`),
			form.ID, client.ID, client.Name, client.BusinessType, client.Description, client.ServiceArea, client.ServiceRadiusMiles)
		if err != nil {
			return fmt.Errorf("upsert client for %s: %w", form.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit form %s: %w", form.ID, err)
	}
	slog.Debug(s.name+".SaveForm succeeded", "formID", form.ID, "questions", len(questions), "client", client != nil)
	return nil
}

func (s *sqlStore) GetForm(ctx context.Context, formID string) (*models.Form, error) {
	var f models.Form
	var rules sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, title, rules_json FROM forms WHERE id = ?`), formID).
		Scan(&f.ID, &f.Title, &rules)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get form %s: %w", formID, err)
	}
	if rules.String != "" {
		if err := json.Unmarshal([]byte(rules.String), &f.Rules); err != nil {
			slog.Warn(s.name+".GetForm: ignoring unreadable rules", "formID", formID, "error", err)
		}
	}
	return &f, nil
}

func (s *sqlStore) ListQuestions(ctx context.Context, formID string) ([]models.Question, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT form_id, id, text, required, rubric, category, options_json, position
		FROM questions WHERE form_id = ? ORDER BY position ASC, id ASC`), formID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	var out []models.Question
	for rows.Next() {
		var q models.Question
		var options string
		if err := rows.Scan(&q.FormID, &q.ID, &q.Text, &q.Required, &q.Rubric, &q.Category, &options, &q.Position); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if options != "" && options != "null" {
			if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
				slog.Warn(s.name+".ListQuestions: ignoring unreadable options", "questionID", q.ID, "error", err)
			}
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetClient(ctx context.Context, formID string) (*models.Client, error) {
	var c models.Client
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT form_id, id, name, business_type, description, service_area, service_radius_miles
		FROM clients WHERE form_id = ?`), formID).
		Scan(&c.FormID, &c.ID, &c.Name, &c.BusinessType, &c.Description, &c.ServiceArea, &c.ServiceRadiusMiles)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client for %s: %w", formID, err)
	}
	return &c, nil
}

func (s *sqlStore) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO snapshots (session_id, step, reason, state_json, created_at)
		VALUES (?, ?, ?, ?, ?)`), snap.SessionID, snap.Step, snap.Reason, string(state), snap.CreatedAt)
	if err != nil {
		slog.Error(s.name+".SaveSnapshot failed", "error", err, "sessionID", snap.SessionID)
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *sqlStore) GetLatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	var state string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, session_id, step, reason, state_json, created_at
		FROM snapshots WHERE session_id = ? ORDER BY id DESC LIMIT 1`), sessionID).
		Scan(&snap.ID, &snap.SessionID, &snap.Step, &snap.Reason, &state, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return nil, fmt.Errorf("decode snapshot state: %w", err)
	}
	return &snap, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "store", s.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "store", s.name, "error", err)
	}
	return err
}
