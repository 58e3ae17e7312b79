package briefing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Persisted shapes.
//
//	current: {"group_schedules": {"tg:-100123": {"time": "08:00"}}}
//	legacy:  {"user_custom_time": "08:00", "message_target": <any>}   (read only)
type scheduleDoc struct {
	GroupSchedules map[string]scheduleDocEntry `json:"group_schedules"`
}

type scheduleDocEntry struct {
	Time string `json:"time"`
}

type legacyDoc struct {
	UserCustomTime string          `json:"user_custom_time"`
	MessageTarget  json.RawMessage `json:"message_target"`
}

// legacyRecipientID is used when a legacy document carries no target at all.
const legacyRecipientID = "legacy"

type decodeResult struct {
	entries map[string]Entry
	legacy  bool
	skipped []string // recipient ids dropped for unparsable times
}

func decodeSchedules(b []byte) (decodeResult, error) {
	res := decodeResult{entries: map[string]Entry{}}
	if len(bytes.TrimSpace(b)) == 0 {
		return res, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return res, fmt.Errorf("decode schedules: %w", err)
	}

	if _, ok := probe["group_schedules"]; ok {
		var doc scheduleDoc
		if err := json.Unmarshal(b, &doc); err != nil {
			return res, fmt.Errorf("decode group_schedules: %w", err)
		}
		for id, e := range doc.GroupSchedules {
			tod, ok := ParseTimeOfDay(e.Time)
			if strings.TrimSpace(id) == "" || !ok {
				res.skipped = append(res.skipped, id)
				continue
			}
			res.entries[id] = Entry{RecipientID: id, Time: tod}
		}
		return res, nil
	}

	if _, ok := probe["user_custom_time"]; ok {
		var doc legacyDoc
		if err := json.Unmarshal(b, &doc); err != nil {
			return res, fmt.Errorf("decode legacy schedule: %w", err)
		}
		res.legacy = true
		id := legacyTargetKey(doc.MessageTarget)
		tod, ok := ParseTimeOfDay(doc.UserCustomTime)
		if !ok {
			res.skipped = append(res.skipped, id)
			return res, nil
		}
		res.entries[id] = Entry{RecipientID: id, Time: tod}
		return res, nil
	}

	if len(probe) == 0 {
		return res, nil
	}
	return res, errors.New("decode schedules: unrecognized document shape")
}

// legacyTargetKey turns the old serialized target into a registry key: JSON
// strings are used verbatim, anything else by its compact JSON text.
func legacyTargetKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return legacyRecipientID
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return legacyRecipientID
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// encodeSchedules writes the current shape. Targets are never written.
func encodeSchedules(entries map[string]Entry) ([]byte, error) {
	doc := scheduleDoc{GroupSchedules: make(map[string]scheduleDocEntry, len(entries))}
	for id, e := range entries {
		doc.GroupSchedules[id] = scheduleDocEntry{Time: e.Time.String()}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// settingsDoc holds runtime toggles that outlive a restart.
type settingsDoc struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
