package router

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tickbot/internal/timeunit"
)

var ridSeq atomic.Uint64

func newReqID() string {
	n := ridSeq.Add(1)
	// base36 timestamp + seq + 2 random chars
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alpha[rand.IntN(len(alpha))])
	}
	return b.String()
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	/newclock "Old Valyria" 1970-01-01 1 day 1h
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out    []string
		buf    strings.Builder
		inQ    bool
		qChar  rune
		esc    bool
		quoted bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for _, ch := range s {
		if esc {
			buf.WriteRune(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteRune(ch)
			continue
		}
		switch ch {
		case '"', '\'', '“', '”':
			inQ = true
			quoted = true
			qChar = ch
			if ch == '“' {
				qChar = '”'
			}
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits raw args into positionals and --long flags.
//
// Supported: --k=v, --k v, --flag (bool). Single-dash tokens stay positional
// so negative numbers and ids pass through.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			pos = append(pos, a)
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(a, "--"))
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			flags[key[:eq]] = a[2+eq+1:]
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

var errBadStart = errors.New("start must look like 1970-01-01, 1970-01-01T12:00 or RFC 3339")

var startLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseStart reads a simulated start instant. Zone-less inputs are UTC.
// Years before 1000 are accepted as long as they are written with four digits.
func parseStart(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w (got %q)", errBadStart, raw)
}

// parseRealInterval accepts Go durations ("90m", "1h30m") plus day and week
// suffixes ("2d", "1w").
func parseRealInterval(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, errors.New("real interval is required")
	}
	var mult time.Duration
	switch {
	case strings.HasSuffix(s, "d"):
		mult = timeunit.Duration(timeunit.Day)
	case strings.HasSuffix(s, "w"):
		mult = timeunit.Duration(timeunit.Week)
	}
	if mult > 0 {
		n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid real interval %q", raw)
		}
		return time.Duration(n) * mult, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid real interval %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("real interval must be positive (got %q)", raw)
	}
	return d, nil
}

// parseID reads a timeline id argument.
func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid timeline id %q", raw)
	}
	return id, nil
}
