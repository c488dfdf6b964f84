package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Instants are stored in UTC so that ORDER BY works on both drivers. The
// zone the caller recorded them in is kept next to them and restored on
// read: a location name when there is one, otherwise a fixed "+hh:mm" offset.

func zoneName(t time.Time) string {
	if name := t.Location().String(); name != "" {
		if _, err := time.LoadLocation(name); err == nil {
			return name
		}
	}
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d:%02d", sign, offset/3600, (offset%3600)/60)
}

func inZone(t time.Time, name string) time.Time {
	if name == "" || name == "UTC" {
		return t.UTC()
	}
	if name[0] == '+' || name[0] == '-' {
		var h, m int
		if _, err := fmt.Sscanf(name[1:], "%02d:%02d", &h, &m); err != nil {
			return t.UTC()
		}
		offset := h*3600 + m*60
		if name[0] == '-' {
			offset = -offset
		}
		return t.In(time.FixedZone("", offset))
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return t.UTC()
	}
	return t.In(loc)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime, zone string) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := inZone(nt.Time, zone)
	return &t
}
