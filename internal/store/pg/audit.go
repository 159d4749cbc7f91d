package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"itcenter.org/staffauth/internal/audit"
	"itcenter.org/staffauth/internal/auth"
	"itcenter.org/staffauth/internal/page"
)

var _ audit.Store = (*Store)(nil)

const auditColumns = `id, user_id, event_type, ip_address, user_agent, success, failure_reason, session_id, created_at`

func (s *Store) Append(ctx context.Context, evt auth.AuditEvent) (auth.AuditEvent, error) {
	if s.db == nil {
		return auth.AuditEvent{}, errNoDB
	}
	err := s.conn(ctx).QueryRowContext(ctx, `
		insert into login_audit (user_id, event_type, ip_address, user_agent, success, failure_reason, session_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning id
	`, evt.UserID, string(evt.EventType), nullIfEmpty(evt.IPAddress), nullIfEmpty(evt.UserAgent),
		evt.Success, nullIfEmpty(evt.FailureReason), evt.SessionID, evt.CreatedAt).Scan(&evt.ID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.AuditEvent{}, fmt.Errorf("%w: user %s", auth.ErrNotFound, evt.UserID)
		}
		return auth.AuditEvent{}, err
	}
	return evt, nil
}

func (s *Store) Find(ctx context.Context, c audit.Criteria, req page.Request) ([]auth.AuditEvent, int64, error) {
	if s.db == nil {
		return nil, 0, errNoDB
	}
	where, args := auditWhere(c)

	var total int64
	if err := s.db.QueryRowContext(ctx, `select count(*) from login_audit`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []auth.AuditEvent{}, 0, nil
	}

	n := len(args)
	query := fmt.Sprintf(`
		select %s
		from login_audit%s
		order by created_at desc, id desc
		limit $%d offset $%d
	`, auditColumns, where, n+1, n+2)
	args = append(args, req.Size, req.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := []auth.AuditEvent{}
	for rows.Next() {
		var (
			evt               auth.AuditEvent
			eventType         string
			ip, agent, reason sql.NullString
		)
		if err := rows.Scan(&evt.ID, &evt.UserID, &eventType, &ip, &agent, &evt.Success, &reason, &evt.SessionID, &evt.CreatedAt); err != nil {
			return nil, 0, err
		}
		evt.EventType = auth.EventType(eventType)
		evt.IPAddress = ip.String
		evt.UserAgent = agent.String
		evt.FailureReason = reason.String
		result = append(result, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *Store) Count(ctx context.Context, c audit.Criteria) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	where, args := auditWhere(c)
	var n int64
	err := s.db.QueryRowContext(ctx, `select count(*) from login_audit`+where, args...).Scan(&n)
	return n, err
}

func auditWhere(c audit.Criteria) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if c.UserID != "" {
		add("user_id = $%d", c.UserID)
	}
	if c.EventType != "" {
		add("event_type = $%d", string(c.EventType))
	}
	if !c.From.IsZero() {
		add("created_at >= $%d", c.From)
	}
	if !c.To.IsZero() {
		add("created_at <= $%d", c.To)
	}
	if c.Success != nil {
		add("success = $%d", *c.Success)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " where " + strings.Join(clauses, " and "), args
}
