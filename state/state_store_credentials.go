// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/automator/automator/structs"
)

const credentialColumns = `id, name, type, description, created_at, last_used_at, encrypted_value`

func scanCredential(row interface{ Scan(...any) error }) (*structs.Credential, error) {
	var c structs.Credential
	var createdAt string
	var lastUsed sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.Description, &createdAt, &lastUsed, &c.EncryptedValue)
	if err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.LastUsedAt, err = parseTimePtr(lastUsed); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCredential inserts credential metadata, optionally with an encrypted
// value already attached.
func (s *StateStore) CreateCredential(cred *structs.Credential) (*structs.Credential, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	cred = &structs.Credential{
		Name:           cred.Name,
		Type:           cred.Type,
		Description:    cred.Description,
		CreatedAt:      time.Now().UTC(),
		EncryptedValue: cred.EncryptedValue,
	}
	res, err := s.db.Exec(`INSERT INTO credentials (name, type, description, created_at, encrypted_value)
		VALUES (?,?,?,?,?)`,
		cred.Name, cred.Type, cred.Description, formatTime(cred.CreatedAt), cred.EncryptedValue)
	if isUniqueViolation(err) {
		return nil, structs.NewErrorf(structs.ErrKindConflict, "credential %q already exists", cred.Name)
	}
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	cred.ID, err = res.LastInsertId()
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	return cred, nil
}

// CredentialByID returns the credential or a not_found error.
func (s *StateStore) CredentialByID(id int64) (*structs.Credential, error) {
	cred, err := scanCredential(s.db.QueryRow(`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewErrorf(structs.ErrKindNotFound, "credential %d not found", id)
	}
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	return cred, nil
}

// CredentialByName returns the credential or a not_found error.
func (s *StateStore) CredentialByName(name string) (*structs.Credential, error) {
	return credentialByName(s.db, name)
}

func credentialByName(q querier, name string) (*structs.Credential, error) {
	cred, err := scanCredential(q.QueryRow(`SELECT `+credentialColumns+` FROM credentials WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.NewErrorf(structs.ErrKindNotFound, "credential %q not found", name)
	}
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	return cred, nil
}

// Credentials lists all credentials ordered by name.
func (s *StateStore) Credentials() ([]*structs.Credential, error) {
	rows, err := s.db.Query(`SELECT ` + credentialColumns + ` FROM credentials ORDER BY name`)
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	defer rows.Close()

	var out []*structs.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, structs.WrapError(structs.ErrKindStorage, err)
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// SetCredentialValue replaces the stored encrypted blob for the named
// credential.
func (s *StateStore) SetCredentialValue(name, encryptedValue string) error {
	return s.updateCredentialValue(name, encryptedValue)
}

// ClearCredentialValue removes the stored value, leaving the metadata row.
func (s *StateStore) ClearCredentialValue(name string) error {
	return s.updateCredentialValue(name, "")
}

func (s *StateStore) updateCredentialValue(name, encryptedValue string) error {
	res, err := s.db.Exec(`UPDATE credentials SET encrypted_value = ? WHERE name = ?`, encryptedValue, name)
	if err != nil {
		return structs.WrapError(structs.ErrKindStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return structs.WrapError(structs.ErrKindStorage, err)
	}
	if n == 0 {
		return structs.NewErrorf(structs.ErrKindNotFound, "credential %q not found", name)
	}
	return nil
}

// TouchCredentialUsage stamps last_used_at for credentials that were
// successfully decrypted for a run.
func (s *StateStore) TouchCredentialUsage(names []string, now time.Time) error {
	if len(names) == 0 {
		return nil
	}
	now = now.UTC()
	return s.withTxn(func(tx *sql.Tx) error {
		for _, name := range names {
			if _, err := tx.Exec(`UPDATE credentials SET last_used_at = ? WHERE name = ?`,
				formatTime(now), name); err != nil {
				return structs.WrapError(structs.ErrKindStorage, err)
			}
		}
		return nil
	})
}

// DeleteCredential removes a credential unless a task still lists its name.
func (s *StateStore) DeleteCredential(id int64) error {
	return s.withTxn(func(tx *sql.Tx) error {
		cred, err := scanCredential(tx.QueryRow(`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return structs.NewErrorf(structs.ErrKindNotFound, "credential %d not found", id)
		}
		if err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}

		users, err := tasksUsingCredential(tx, cred.Name)
		if err != nil {
			return err
		}
		if len(users) > 0 {
			return structs.NewErrorf(structs.ErrKindConflict,
				"credential %q is granted to %d task(s)", cred.Name, len(users))
		}
		if _, err := tx.Exec(`DELETE FROM credentials WHERE id = ?`, id); err != nil {
			return structs.WrapError(structs.ErrKindStorage, err)
		}
		return nil
	})
}

// TasksUsingCredential returns the ids of tasks whose grant list contains the
// credential name.
func (s *StateStore) TasksUsingCredential(name string) ([]int64, error) {
	return tasksUsingCredential(s.db, name)
}

func tasksUsingCredential(q querier, name string) ([]int64, error) {
	// The LIKE is a coarse prefilter over the JSON column; the decoded list
	// is checked before a task counts as a user.
	rows, err := q.Query(`SELECT id, credentials FROM tasks WHERE credentials LIKE ?`,
		`%"`+name+`"%`)
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindStorage, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var credsRaw string
		if err := rows.Scan(&id, &credsRaw); err != nil {
			return nil, structs.WrapError(structs.ErrKindStorage, err)
		}
		var creds []string
		if err := decodeJSON(credsRaw, &creds); err != nil {
			return nil, err
		}
		if slices.Contains(creds, name) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}
