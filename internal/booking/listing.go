package booking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const portalTimeLayout = "2006-01-02 15:04:05"

// listingRow mirrors the portal's activity row. Counts arrive as either
// numbers or numeric strings depending on the endpoint.
type listingRow struct {
	WID         string  `json:"WID"`
	Name        string  `json:"JZMC"`
	Total       flexInt `json:"HDZRS"`
	Booked      flexInt `json:"YYRS"`
	StartTime   string  `json:"YYKSSJ"`
	EndTime     string  `json:"YYJSSJ"`
	LectureTime string  `json:"JZSJ"`
}

type listingResponse struct {
	Datas *[]listingRow `json:"datas"`
}

type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("count %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// DecodeListing turns a raw listing body into resources. A body that is not
// JSON at all (the portal answers with its login page once the session dies)
// yields ErrSessionExpired; JSON without "datas" yields ErrMalformedListing.
func DecodeListing(raw []byte, loc *time.Location) ([]Resource, error) {
	if loc == nil {
		loc = time.Local
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedListing)
	}
	if !json.Valid(trimmed) {
		return nil, ErrSessionExpired
	}
	var resp listingResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedListing, err)
	}
	if resp.Datas == nil {
		return nil, fmt.Errorf("%w: missing datas", ErrMalformedListing)
	}

	out := make([]Resource, 0, len(*resp.Datas))
	for _, row := range *resp.Datas {
		r := Resource{
			ID:          row.WID,
			DisplayName: row.Name,
			Total:       int(row.Total),
			Booked:      int(row.Booked),
			LectureTime: row.LectureTime,
		}
		r.StartTime = parsePortalTime(row.StartTime, loc)
		r.EndTime = parsePortalTime(row.EndTime, loc)
		out = append(out, r)
	}
	return out, nil
}

func parsePortalTime(s string, loc *time.Location) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	// some rows use slashes
	s = strings.ReplaceAll(s, "/", "-")
	t, err := time.ParseInLocation(portalTimeLayout, s, loc)
	if err != nil {
		t, err = time.ParseInLocation("2006-01-02 15:04", s, loc)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// FindResource returns the listed resource with the given id.
func FindResource(resources []Resource, id string) (Resource, bool) {
	for _, r := range resources {
		if r.ID == id {
			return r, true
		}
	}
	return Resource{}, false
}

// ParseTime reads a user-supplied instant: RFC 3339, or the portal's own
// "2006-01-02 15:04[:05]" layouts interpreted in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t := parsePortalTime(s, loc); !t.IsZero() {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized time %q", ErrInvalidTask, s)
}
