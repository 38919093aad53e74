package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

type counterDoc struct {
	CurrentMonth string `json:"current_month"`
	TweetCount   int    `json:"tweet_count"`
}

type historyDoc struct {
	Tweets []historyDocEntry `json:"tweets"`
}

type historyDocEntry struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

var reMonth = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// EncodeCounter renders rec as the counter document.
func EncodeCounter(rec CounterRecord) ([]byte, error) {
	return json.MarshalIndent(counterDoc{CurrentMonth: rec.Month, TweetCount: rec.Count}, "", "  ")
}

// DecodeCounter parses the counter document. Malformed JSON, a negative count
// or a month that is not YYYY-MM yields ErrCorrupt.
func DecodeCounter(b []byte) (CounterRecord, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return CounterRecord{}, fmt.Errorf("%w: empty counter document", ErrCorrupt)
	}
	var d counterDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return CounterRecord{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if d.TweetCount < 0 {
		return CounterRecord{}, fmt.Errorf("%w: negative count %d", ErrCorrupt, d.TweetCount)
	}
	m := strings.TrimSpace(d.CurrentMonth)
	if m != "" && !reMonth.MatchString(m) {
		return CounterRecord{}, fmt.Errorf("%w: invalid month %q", ErrCorrupt, d.CurrentMonth)
	}
	return CounterRecord{Month: m, Count: d.TweetCount}, nil
}

// EncodeHistory renders entries as the history document. Timestamps are
// written as RFC 3339 with nanoseconds and zone offset.
func EncodeHistory(entries []HistoryEntry) ([]byte, error) {
	d := historyDoc{Tweets: make([]historyDocEntry, 0, len(entries))}
	for _, e := range entries {
		d.Tweets = append(d.Tweets, historyDocEntry{
			Content:   e.Content,
			Timestamp: FormatTimestamp(e.Timestamp),
		})
	}
	return json.MarshalIndent(d, "", "  ")
}

// DecodeHistory parses the history document. A missing or null "tweets" list
// is an empty history; an unparseable timestamp yields ErrCorrupt.
func DecodeHistory(b []byte) ([]HistoryEntry, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("%w: empty history document", ErrCorrupt)
	}
	var d historyDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	out := make([]HistoryEntry, 0, len(d.Tweets))
	for i, t := range d.Tweets {
		ts, err := ParseTimestamp(t.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: tweets[%d]: %v", ErrCorrupt, i, err)
		}
		out = append(out, HistoryEntry{Content: t.Content, Timestamp: ts})
	}
	return out, nil
}

func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC 3339 and the zone-less ISO-8601 form older
// history files were written with ("2024-05-01T09:30:00.123456"); the latter
// is read in the process-local zone.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return dateparse.ParseIn(s, time.Local)
}
