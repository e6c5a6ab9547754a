package storage

import (
	"encoding/json"
	"fmt"

	"pillcall/internal/recurrence"
)

// ruleColumns is the row form of a rule shared by the SQL drivers:
// repeat_mode, days_of_week (JSON array) and local_date (YYYY-MM-DD).
type ruleColumns struct {
	Mode string
	Days *string
	Date *string
}

func ruleToColumns(r recurrence.Rule) ruleColumns {
	enc := recurrence.Encode(r)
	cols := ruleColumns{Mode: string(enc.Mode)}
	if enc.Mode == recurrence.ModeCustom {
		days := enc.Days
		if days == nil {
			days = []string{}
		}
		b, _ := json.Marshal(days)
		s := string(b)
		cols.Days = &s
	}
	if enc.Date != "" {
		d := enc.Date
		cols.Date = &d
	}
	return cols
}

func ruleFromColumns(c ruleColumns) (recurrence.Rule, error) {
	enc := recurrence.Encoded{Mode: recurrence.Mode(c.Mode)}
	if c.Days != nil && *c.Days != "" {
		if err := json.Unmarshal([]byte(*c.Days), &enc.Days); err != nil {
			return nil, fmt.Errorf("days_of_week: %w", err)
		}
	}
	if c.Date != nil {
		enc.Date = *c.Date
		// postgres renders DATE::text as YYYY-MM-DD; sqlite keeps what we wrote.
		if len(enc.Date) > 10 {
			enc.Date = enc.Date[:10]
		}
	}
	return recurrence.Decode(enc)
}
