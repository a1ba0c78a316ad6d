// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"database/sql"

	"github.com/automator/automator/structs"
)

// builtinTemplates are seeded on first initialization. They are marked builtin
// so the delete guard refuses to remove them and updates cannot clear the bit.
var builtinTemplates = []*structs.Template{
	{
		ID:          "log-message",
		Name:        "Log Message",
		Description: "Writes a message to the execution console and returns it.",
		Category:    "examples",
		Code: `console.log(params.message);
return params.message;`,
		ParamsSchema: []structs.ParamSpec{
			{Name: "message", Type: structs.ParamTypeString, Required: true, Description: "Text to log"},
		},
		SuggestedSchedule: "*/5 * * * *",
		IsBuiltin:         true,
	},
	{
		ID:          "http-check",
		Name:        "HTTP Check",
		Description: "Fetches a URL and fails the run when the status is not 2xx.",
		Category:    "monitoring",
		Code: `const res = await fetch(params.url);
console.log("status " + res.status + " for " + params.url);
if (res.status < 200 || res.status >= 300) {
  throw new Error("unexpected status " + res.status);
}
return { url: params.url, status: res.status };`,
		ParamsSchema: []structs.ParamSpec{
			{Name: "url", Type: structs.ParamTypeString, Required: true, Description: "URL to probe"},
		},
		SuggestedSchedule: "*/15 * * * *",
		IsBuiltin:         true,
	},
	{
		ID:          "webhook-notify",
		Name:        "Webhook Notify",
		Description: "Posts a JSON message to a webhook whose URL is stored as a credential.",
		Category:    "notifications",
		Code: `const res = await fetch(credentials.WEBHOOK_URL, {
  method: "POST",
  headers: { "content-type": "application/json" },
  body: JSON.stringify({ text: params.message }),
});
console.log("webhook responded " + res.status);
return res.status;`,
		ParamsSchema: []structs.ParamSpec{
			{Name: "message", Type: structs.ParamTypeString, Required: true},
		},
		RequiredCredentials: []string{"WEBHOOK_URL"},
		IsBuiltin:           true,
	},
}

// seedBuiltinTemplates inserts any builtin template that is not already
// present. Existing rows are left untouched so operator edits survive
// restarts.
func (s *StateStore) seedBuiltinTemplates() error {
	return s.withTxn(func(tx *sql.Tx) error {
		for _, tmpl := range builtinTemplates {
			var n int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM templates WHERE id = ?`, tmpl.ID).Scan(&n); err != nil {
				return structs.WrapError(structs.ErrKindStorage, err)
			}
			if n > 0 {
				continue
			}
			s.logger.Debug("seeding builtin template", "id", tmpl.ID)
			if err := insertTemplate(tx, tmpl); err != nil {
				return err
			}
		}
		return nil
	})
}
