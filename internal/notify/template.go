package notify

import "strings"

// Placeholders recognized by Render. Deliberately not a full templating
// language — a flat set of substitutions, matching the fixed vocabulary a
// notification ever needs (job/run identity, outcome, timing).
const (
	PlaceholderJobName = "{{job_name}}"
	PlaceholderRunID   = "{{run_id}}"
	PlaceholderStatus  = "{{status}}"
	PlaceholderError   = "{{error}}"
	PlaceholderStarted = "{{started_at}}"
	PlaceholderEnded   = "{{ended_at}}"
)

// Fields supplies the values Render substitutes into a template. JSON tags
// match the payload shape written to Notification.PayloadJSON at enqueue
// time.
type Fields struct {
	JobName   string `json:"job_name"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at"`
}

// Render replaces every recognized placeholder in tmpl with its value from
// f. Unrecognized placeholders are left as-is.
func Render(tmpl string, f Fields) string {
	r := strings.NewReplacer(
		PlaceholderJobName, f.JobName,
		PlaceholderRunID, f.RunID,
		PlaceholderStatus, f.Status,
		PlaceholderError, f.Error,
		PlaceholderStarted, f.StartedAt,
		PlaceholderEnded, f.EndedAt,
	)
	return r.Replace(tmpl)
}
