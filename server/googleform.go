package server

import (
	"fmt"
	"time"
)

// normalizeGoogleForm maps the submission posted by a Google Apps Script
// onFormSubmit hook to a fixed shape. Both a question→answer object and a
// list of {question, answer} items are accepted for responses.
func normalizeGoogleForm(raw map[string]any, now time.Time) map[string]any {
	timestamp := firstString(raw, "timestamp", "submittedAt", "createTime")
	if timestamp == "" {
		timestamp = now.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"formId":          firstString(raw, "formId", "form_id"),
		"formTitle":       firstString(raw, "formTitle", "title", "form_title"),
		"responseId":      firstString(raw, "responseId", "response_id"),
		"timestamp":       timestamp,
		"respondentEmail": firstString(raw, "respondentEmail", "email", "respondent_email"),
		"responses":       formResponses(raw),
		"raw":             raw,
	}
}

func formResponses(raw map[string]any) map[string]any {
	out := map[string]any{}
	for _, key := range []string{"responses", "answers", "namedValues"} {
		switch v := raw[key].(type) {
		case map[string]any:
			for q, a := range v {
				out[q] = unwrapSingle(a)
			}
			return out
		case []any:
			for i, item := range v {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				q := firstString(m, "question", "title", "name")
				if q == "" {
					q = fmt.Sprintf("question_%d", i+1)
				}
				a, ok := m["answer"]
				if !ok {
					a = m["response"]
				}
				out[q] = unwrapSingle(a)
			}
			return out
		}
	}
	return out
}

// unwrapSingle turns the one-element arrays Apps Script produces for
// namedValues into scalars.
func unwrapSingle(v any) any {
	if list, ok := v.([]any); ok && len(list) == 1 {
		return list[0]
	}
	return v
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
