package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"itcenter.org/staffauth/internal/auth"
)

var _ auth.RegistryStore = (*Store)(nil)

const userColumns = `id, email, display_name, locale, created_at, updated_at`

var sortColumns = map[auth.SortField]string{
	auth.SortCreatedAt:   "u.created_at",
	auth.SortUpdatedAt:   "u.updated_at",
	auth.SortEmail:       "lower(u.email)",
	auth.SortDisplayName: "lower(u.display_name)",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Locale, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	created, err := scanUser(s.db.QueryRowContext(ctx, `
		insert into app_users (id, email, display_name, locale)
		values ($1, $2, $3, $4)
		returning `+userColumns, u.ID, strings.ToLower(u.Email), u.DisplayName, u.Locale))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, fmt.Errorf("%w: user %s or email already exists", auth.ErrConflict, u.ID)
		}
		return auth.User{}, err
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.conn(ctx).QueryRowContext(ctx, `
		select `+userColumns+`
		from app_users
		where id = $1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
	}
	return u, err
}

func (s *Store) UpdateUser(ctx context.Context, userID string, upd auth.ProfileUpdate, audit auth.AuditFunc) (auth.User, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	if upd.DisplayName != nil {
		setClauses = append(setClauses, fmt.Sprintf("display_name = $%d", idx))
		args = append(args, *upd.DisplayName)
		idx++
	}
	if upd.Locale != nil {
		setClauses = append(setClauses, fmt.Sprintf("locale = $%d", idx))
		args = append(args, *upd.Locale)
		idx++
	}
	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, userID)

	query := fmt.Sprintf(`
		update app_users
		set %s
		where id = $%d
		returning `+userColumns, strings.Join(setClauses, ", "), idx)

	var u auth.User
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		u, err = scanUser(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
		}
		if err != nil {
			return err
		}
		return audit.Run(ctx)
	})
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func (s *Store) GetRole(ctx context.Context, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	return getRole(ctx, s.conn(ctx), name)
}

func getRole(ctx context.Context, q querier, name string) (auth.Role, error) {
	var (
		r    auth.Role
		desc sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		select id, name, description
		from roles
		where name = $1
	`, name).Scan(&r.ID, &r.Name, &desc)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, name)
	}
	if err != nil {
		return auth.Role{}, err
	}
	r.Description = desc.String
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description
		from roles
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []auth.Role{}
	for rows.Next() {
		var (
			r    auth.Role
			desc sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &desc); err != nil {
			return nil, err
		}
		r.Description = desc.String
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) AssignRole(ctx context.Context, userID, roleName string, audit auth.AuditFunc) (auth.RoleAssignment, bool, error) {
	var (
		a       auth.RoleAssignment
		created bool
	)
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		role, err := getRole(ctx, tx, roleName)
		if err != nil {
			return err
		}
		a = auth.RoleAssignment{UserID: userID, RoleName: role.Name}
		err = tx.QueryRowContext(ctx, `
			insert into user_roles (user_id, role_id)
			values ($1, $2)
			on conflict (user_id, role_id) do nothing
			returning assigned_at
		`, userID, role.ID).Scan(&a.AssignedAt)
		switch {
		case err == nil:
			created = true
			return audit.Run(ctx)
		case errors.Is(err, sql.ErrNoRows):
			// Pair already present.
			return tx.QueryRowContext(ctx, `
				select assigned_at
				from user_roles
				where user_id = $1 and role_id = $2
			`, userID, role.ID).Scan(&a.AssignedAt)
		default:
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
			}
			return err
		}
	})
	if err != nil {
		return auth.RoleAssignment{}, false, err
	}
	return a, created, nil
}

func (s *Store) ReplaceRoles(ctx context.Context, userID string, roleNames []string, audit auth.AuditFunc) ([]auth.RoleAssignment, error) {
	var assignments []auth.RoleAssignment
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Row lock serializes concurrent replacements for the same user.
		var locked string
		err := tx.QueryRowContext(ctx, `select id from app_users where id = $1 for update`, userID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
		}
		if err != nil {
			return err
		}

		roleIDs := make([]int64, 0, len(roleNames))
		for _, name := range roleNames {
			role, err := getRole(ctx, tx, name)
			if err != nil {
				return err
			}
			roleIDs = append(roleIDs, role.ID)
		}

		if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
			return err
		}
		for _, roleID := range roleIDs {
			if _, err := tx.ExecContext(ctx, `
				insert into user_roles (user_id, role_id)
				values ($1, $2)
			`, userID, roleID); err != nil {
				return err
			}
		}

		rows, err := tx.QueryContext(ctx, assignmentsByUserQuery, userID)
		if err != nil {
			return err
		}
		if assignments, err = scanAssignments(rows); err != nil {
			return err
		}
		return audit.Run(ctx)
	})
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (s *Store) RemoveRole(ctx context.Context, userID, roleName string, audit auth.AuditFunc) (bool, error) {
	var removed bool
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			delete from user_roles ur
			using roles r
			where ur.role_id = r.id and ur.user_id = $1 and r.name = $2
		`, userID, roleName)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			removed = true
			return audit.Run(ctx)
		}
		if _, err := s.GetUser(ctx, userID); err != nil {
			return err
		}
		_, err = s.GetRole(ctx, roleName)
		return err
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

const assignmentsByUserQuery = `
	select ur.user_id, r.name, ur.assigned_at
	from user_roles ur
	join roles r on r.id = ur.role_id
	where ur.user_id = $1
	order by r.name
`

func (s *Store) UserRoles(ctx context.Context, userID string) ([]auth.RoleAssignment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, assignmentsByUserQuery, userID)
	if err != nil {
		return nil, err
	}
	return scanAssignments(rows)
}

func (s *Store) RoleMembers(ctx context.Context, roleName string) ([]auth.RoleAssignment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select ur.user_id, r.name, ur.assigned_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where r.name = $1
		order by ur.user_id
	`, roleName)
	if err != nil {
		return nil, err
	}
	return scanAssignments(rows)
}

func scanAssignments(rows *sql.Rows) ([]auth.RoleAssignment, error) {
	defer rows.Close()
	result := []auth.RoleAssignment{}
	for rows.Next() {
		var a auth.RoleAssignment
		if err := rows.Scan(&a.UserID, &a.RoleName, &a.AssignedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) SearchUsers(ctx context.Context, q auth.UserQuery) ([]auth.UserSummary, int64, error) {
	if s.db == nil {
		return nil, 0, errNoDB
	}
	where := ""
	var args []any
	if text := strings.ToLower(strings.TrimSpace(q.Text)); text != "" {
		where = `where lower(u.display_name) like $1 escape '\' or lower(u.email) like $1 escape '\'`
		args = append(args, "%"+escapeLike(text)+"%")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `select count(*) from app_users u `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []auth.UserSummary{}, 0, nil
	}

	col, ok := sortColumns[q.Sort]
	if !ok {
		col = sortColumns[auth.SortCreatedAt]
	}
	dir := "desc"
	if q.Direction == auth.SortAsc {
		dir = "asc"
	}
	n := len(args)
	query := fmt.Sprintf(`
		select u.id, u.email, u.display_name, u.locale, u.created_at, u.updated_at,
		       coalesce(string_agg(r.name, ',' order by r.name), '')
		from app_users u
		left join user_roles ur on ur.user_id = u.id
		left join roles r on r.id = ur.role_id
		%s
		group by u.id
		order by %s %s, u.id asc
		limit $%d offset $%d
	`, where, col, dir, n+1, n+2)
	args = append(args, q.Page.Size, q.Page.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := []auth.UserSummary{}
	for rows.Next() {
		var (
			sum   auth.UserSummary
			roles string
		)
		if err := rows.Scan(&sum.ID, &sum.Email, &sum.DisplayName, &sum.Locale, &sum.CreatedAt, &sum.UpdatedAt, &roles); err != nil {
			return nil, 0, err
		}
		sum.Roles = splitRoles(roles)
		result = append(result, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func splitRoles(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// SeedRole inserts a catalog role if missing. The service calls it at startup
// so the built-in roles exist even before the seed migration ran.
func (s *Store) SeedRole(ctx context.Context, name, description string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into roles (name, description)
		values ($1, $2)
		on conflict (name) do nothing
	`, name, nullIfEmpty(description))
	return err
}
