package chat

import (
	"time"

	"github.com/mfreitas/pigeon/internal/store"
)

// Row is one display row: either a day separator or a message.
type Row struct {
	Separator bool
	Day       time.Time
	Message   store.Message
}

// Rows interleaves day separators into a message sequence. A separator
// precedes the first message and every message whose local calendar day
// differs from the previous one. Separators are derived on display and
// never persisted.
func Rows(msgs []store.Message, loc *time.Location) []Row {
	if loc == nil {
		loc = time.Local
	}
	var rows []Row
	var prevDay time.Time
	for _, m := range msgs {
		day := startOfDay(time.UnixMilli(m.Timestamp).In(loc))
		if prevDay.IsZero() || !day.Equal(prevDay) {
			rows = append(rows, Row{Separator: true, Day: day})
			prevDay = day
		}
		rows = append(rows, Row{Message: m})
	}
	return rows
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
