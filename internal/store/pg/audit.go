package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"calibra.org/internal/auth"
)

// AuditLog implements auth.AuditStore over Postgres. Entries are append-only;
// nothing updates or deletes rows.
type AuditLog struct {
	db *sql.DB
}

var _ auth.AuditStore = (*AuditLog)(nil)

func (s *AuditLog) Append(ctx context.Context, entry *auth.AuditEntry) error {
	oldJSON, err := marshalValues(entry.OldValues)
	if err != nil {
		return fmt.Errorf("encode old values: %w", err)
	}
	newJSON, err := marshalValues(entry.NewValues)
	if err != nil {
		return fmt.Errorf("encode new values: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log
			(id, occurred_at, actor_id, actor_email, action, category,
			 entity_type, entity_id, entity_identifier, old_values, new_values,
			 success, error_message, status_code, request_id, ip, user_agent)
		values ($1, $2, nullif($3, ''), nullif($4, ''), $5, $6,
		        $7, nullif($8, ''), nullif($9, ''), $10, $11,
		        $12, nullif($13, ''), $14, nullif($15, ''), nullif($16, ''), nullif($17, ''))
	`, entry.ID, entry.OccurredAt, entry.ActorID, entry.ActorEmail,
		entry.Action, entry.Category, entry.EntityType, entry.EntityID,
		entry.EntityIdentifier, oldJSON, newJSON, entry.Success,
		entry.ErrorMessage, entry.StatusCode, entry.RequestID,
		entry.IP, entry.UserAgent)
	return err
}

func (s *AuditLog) List(ctx context.Context, filter auth.AuditFilter) ([]*auth.AuditEntry, error) {
	where := []string{"true"}
	var args []any
	add := func(expr string, val any) {
		args = append(args, val)
		where = append(where, strings.Replace(expr, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if filter.EntityType != "" {
		add("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = ?", filter.EntityID)
	}
	if filter.ActorID != "" {
		add("actor_id = ?", filter.ActorID)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at <= ?", filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	query := `
		select id, occurred_at, actor_id, actor_email, action, category,
		       entity_type, entity_id, entity_identifier, old_values, new_values,
		       success, error_message, status_code, request_id, ip, user_agent
		from audit_log
		where ` + strings.Join(where, " and ") + `
		order by occurred_at desc
		limit $` + strconv.Itoa(len(args)-1) + ` offset $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.AuditEntry
	for rows.Next() {
		var (
			entry      auth.AuditEntry
			actorID    sql.NullString
			actorEmail sql.NullString
			entityID   sql.NullString
			entityIdnt sql.NullString
			oldJSON    []byte
			newJSON    []byte
			errMsg     sql.NullString
			requestID  sql.NullString
			ip         sql.NullString
			userAgent  sql.NullString
		)
		if err := rows.Scan(
			&entry.ID, &entry.OccurredAt, &actorID, &actorEmail,
			&entry.Action, &entry.Category, &entry.EntityType, &entityID,
			&entityIdnt, &oldJSON, &newJSON, &entry.Success, &errMsg,
			&entry.StatusCode, &requestID, &ip, &userAgent,
		); err != nil {
			return nil, err
		}
		entry.ActorID = actorID.String
		entry.ActorEmail = actorEmail.String
		entry.EntityID = entityID.String
		entry.EntityIdentifier = entityIdnt.String
		entry.ErrorMessage = errMsg.String
		entry.RequestID = requestID.String
		entry.IP = ip.String
		entry.UserAgent = userAgent.String
		if err := unmarshalValues(oldJSON, &entry.OldValues); err != nil {
			return nil, err
		}
		if err := unmarshalValues(newJSON, &entry.NewValues); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func marshalValues(values map[string]any) ([]byte, error) {
	if len(values) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(values)
}

func unmarshalValues(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
