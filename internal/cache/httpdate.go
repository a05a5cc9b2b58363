package cache

import (
	"errors"
	"time"
)

// httpDateLayouts are the accepted HTTP date forms: IMF-fixdate,
// RFC 850, asctime, and RFC 2822 (with and without a numeric zone).
var httpDateLayouts = []string{
	time.RFC1123,                    // IMF-fixdate
	"Monday, 02-Jan-06 15:04:05 MST", // RFC 850
	time.ANSIC,                      // asctime
	"Mon, 2 Jan 2006 15:04:05 -0700", // RFC 2822
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC1123Z,
}

var errBadHTTPDate = errors.New("cache: unrecognized HTTP date")

// ParseHTTPDate parses an HTTP date field in any accepted form and
// returns it in UTC.
func ParseHTTPDate(value string) (time.Time, error) {
	for _, layout := range httpDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errBadHTTPDate
}

// FormatHTTPDate always emits IMF-fixdate in GMT, the only format
// producers are allowed to generate.
func FormatHTTPDate(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}
