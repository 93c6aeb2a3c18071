package transcript

import (
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// headerRe matches "[DD/MM/YYYY, HH:MM:SS] Author: body". Exports often put
// directional marks in front of the bracket.
var headerRe = regexp.MustCompile(`^[\x{200E}\x{200F}\x{FEFF}]*\[(\d{2}/\d{2}/\d{4}), (\d{2}:\d{2}:\d{2})\] ([^:]+?): ?(.*)$`)

// Segmenter splits transcript text into messages.
type Segmenter struct {
	loc    *time.Location
	logger *slog.Logger
}

// NewSegmenter creates a Segmenter that reads timestamps as UTC.
func NewSegmenter(logger *slog.Logger) *Segmenter {
	return &Segmenter{loc: time.UTC, logger: logger}
}

// WithLocation returns a copy of s that reads timestamps in loc.
func (s *Segmenter) WithLocation(loc *time.Location) *Segmenter {
	cp := *s
	cp.loc = loc
	return &cp
}

// Messages returns the messages of text in transcript order. The sequence is
// computed on demand and can be ranged over more than once.
func (s *Segmenter) Messages(text string) iter.Seq[RawMessage] {
	return func(yield func(RawMessage) bool) {
		var (
			cur      RawMessage
			body     strings.Builder
			have     bool
			pending  []string
			leading  int
			firstBad int
			lineNo   int
			next     int
		)

		warnLeading := func() {
			if leading > 0 {
				s.logger.Warn("discarding lines before first message",
					"lines", leading,
					"first_line", firstBad,
				)
				leading = 0
			}
		}

		rest := text
		for len(rest) > 0 {
			var line string
			if i := strings.IndexByte(rest, '\n'); i >= 0 {
				line, rest = rest[:i], rest[i+1:]
			} else {
				line, rest = rest, ""
			}
			lineNo++
			line = strings.TrimSuffix(line, "\r")

			if msg, ok := s.parseHeader(line); ok {
				if have {
					cur.Body = body.String()
					if !yield(cur) {
						return
					}
				} else {
					warnLeading()
				}
				msg.Index = next
				msg.Line = lineNo
				next++
				cur = msg
				have = true
				body.Reset()
				body.WriteString(msg.Body)
				pending = pending[:0]
				continue
			}

			if !have {
				if strings.TrimSpace(line) != "" {
					if leading == 0 {
						firstBad = lineNo
					}
					leading++
				}
				continue
			}

			// Blank lines only belong to the body when more text follows.
			if strings.TrimSpace(line) == "" {
				pending = append(pending, line)
				continue
			}
			for _, blank := range pending {
				body.WriteByte('\n')
				body.WriteString(blank)
			}
			pending = pending[:0]
			body.WriteByte('\n')
			body.WriteString(line)
		}

		warnLeading()
		if have {
			cur.Body = body.String()
			yield(cur)
		}
	}
}

// Segment collects all messages of text.
func (s *Segmenter) Segment(text string) []RawMessage {
	var out []RawMessage
	for msg := range s.Messages(text) {
		out = append(out, msg)
	}
	return out
}

// parseHeader recognizes a message header line. A line that looks like a
// header but carries an impossible date or time is not one.
func (s *Segmenter) parseHeader(line string) (RawMessage, bool) {
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return RawMessage{}, false
	}
	ts, err := time.ParseInLocation(dateLayout+" "+clockLayout, m[1]+" "+m[2], s.loc)
	if err != nil {
		return RawMessage{}, false
	}
	author := strings.TrimSpace(m[3])
	if author == "" {
		return RawMessage{}, false
	}
	return RawMessage{
		Timestamp: ts,
		Author:    author,
		Body:      m[4],
	}, true
}

// Render writes messages back in transcript form. The header separator is
// always ": ", so a header written as "Author:body" or "Author:" comes back
// as "Author: body" or "Author: ". Segmenting the output yields the same
// messages.
func Render(msgs []RawMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s, %s] %s: %s\n", m.Date(), m.Clock(), m.Author, m.Body)
	}
	return sb.String()
}
