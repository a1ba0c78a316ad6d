// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/automator/automator/structs"
)

// isUniqueViolation detects sqlite UNIQUE constraint failures. modernc.org/
// sqlite surfaces them only through the error message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const templateColumns = `id, name, description, category, code, params_schema, required_credentials, suggested_schedule, is_builtin`

func scanTemplate(row interface{ Scan(...any) error }) (*structs.Template, error) {
	var t structs.Template
	var schemaRaw, credsRaw string
	var builtin int
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Category, &t.Code,
		&schemaRaw, &credsRaw, &t.SuggestedSchedule, &builtin)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(schemaRaw, &t.ParamsSchema); err != nil {
		return nil, err
	}
	if err := decodeJSON(credsRaw, &t.RequiredCredentials); err != nil {
		return nil, err
	}
	t.IsBuiltin = builtin != 0
	return &t, nil
}

// CreateTemplate inserts a new template. Duplicate id or name is a conflict.
func (s *StateStore) CreateTemplate(tmpl *structs.Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	return s.withTxn(func(tx *sql.Tx) error {
		return insertTemplate(tx, tmpl)
	})
}

func insertTemplate(q querier, tmpl *structs.Template) error {
	schemaRaw, err := encodeJSON(tmpl.ParamsSchema)
	if err != nil {
		return err
	}
	credsRaw, err := encodeJSON(tmpl.RequiredCredentials)
	if err != nil {
		return err
	}
	_, err = q.Exec(`INSERT INTO templates (`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		tmpl.ID, tmpl.Name, tmpl.Description, tmpl.Category, tmpl.Code,
		schemaRaw, credsRaw, tmpl.SuggestedSchedule, boolToInt(tmpl.IsBuiltin))
	if isUniqueViolation(err) {
		return structs.NewErrorf(structs.ErrKindConflict, "template %q already exists", tmpl.ID)
	}
	if err != nil {
		return structs.WrapError(structs.ErrKindStorage, err)
	}
	return nil
}

// TemplateByID returns the template or a not_found error.
func (s *StateStore) TemplateByID(id string) (*structs.Template, error) {
	return templateByID(s.db, id)
}

func templateByID(q querier, id string) (*structs.Template, error) {
	tmpl, err := scanTemplate(q.QueryRow(`SELECT `+templateColumns+` FROM templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewErrorf(structs.ErrKindNotFound, "template %q not found", id)
	}
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	return tmpl, nil
}

// Templates lists templates, optionally filtered by category, ordered by name.
func (s *StateStore) Templates(category string) ([]*structs.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	defer rows.Close()

	var out []*structs.Template
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, structs.WrapError(structs.ErrKindStorage, err)
		}
		out = append(out, tmpl)
	}
	return out, rows.Err()
}

// UpdateTemplate replaces a template's mutable fields. The id and the builtin
// bit are immutable; the stored builtin bit always wins.
func (s *StateStore) UpdateTemplate(tmpl *structs.Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	return s.withTxn(func(tx *sql.Tx) error {
		existing, err := templateByID(tx, tmpl.ID)
		if err != nil {
			return err
		}
		tmpl.IsBuiltin = existing.IsBuiltin

		schemaRaw, err := encodeJSON(tmpl.ParamsSchema)
		if err != nil {
			return err
		}
		credsRaw, err := encodeJSON(tmpl.RequiredCredentials)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE templates SET name=?, description=?, category=?, code=?,
			params_schema=?, required_credentials=?, suggested_schedule=? WHERE id=?`,
			tmpl.Name, tmpl.Description, tmpl.Category, tmpl.Code,
			schemaRaw, credsRaw, tmpl.SuggestedSchedule, tmpl.ID)
		if isUniqueViolation(err) {
			return structs.NewErrorf(structs.ErrKindConflict, "template name %q already in use", tmpl.Name)
		}
		if err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		return nil
	})
}

// DeleteTemplate removes a template. Builtin templates and templates still
// referenced by a task cannot be deleted.
func (s *StateStore) DeleteTemplate(id string) error {
	return s.withTxn(func(tx *sql.Tx) error {
		tmpl, err := templateByID(tx, id)
		if err != nil {
			return err
		}
		if tmpl.IsBuiltin {
			return structs.NewErrorf(structs.ErrKindConflict, "builtin template %q cannot be deleted", id)
		}
		var inUse int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tasks WHERE template_id = ?`, id).Scan(&inUse); err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		if inUse > 0 {
			return structs.NewErrorf(structs.ErrKindConflict, "template %q is used by %d task(s)", id, inUse)
		}
		if _, err := tx.Exec(`DELETE FROM templates WHERE id = ?`, id); err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		return nil
	})
}

// TasksUsingTemplate returns the ids of tasks bound to the template, for the
// delete-guard error message and the hasErrors filter on templates.
func (s *StateStore) TasksUsingTemplate(id string) ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE template_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var taskID int64
		if err := rows.Scan(&taskID); err != nil {
			return nil, structs.WrapError(structs.ErrKindStorage, err)
		}
		ids = append(ids, taskID)
	}
	return ids, rows.Err()
}
