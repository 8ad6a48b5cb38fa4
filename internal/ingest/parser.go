package ingest

import (
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"drivewatch/internal/model"
	"drivewatch/internal/normalize"
)

// Parser decodes sensor frames:
//
//	EVENT:<TYPE>:<COUNT>
//	STATUS:<LABEL>:<COUNT>
//	<ax>,<ay>,<az>,<TYPE>,<COUNT>
//
// A frame may be prefixed by a timestamp and a space (captured logs), or be
// a JSON object.
type Parser struct {
	loc *time.Location
	now func() time.Time
}

func NewParser() *Parser {
	return &Parser{loc: time.UTC, now: time.Now}
}

// NewParserAt stamps frames without their own timestamp with now().
func NewParserAt(now func() time.Time) *Parser {
	return &Parser{loc: time.UTC, now: now}
}

// ParseLine returns nil, nil for blank lines and an error wrapping
// model.ErrMalformedFrame for anything it cannot decode.
func (p *Parser) ParseLine(line string) (*model.Notification, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		fields, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
		}
		fields.Raw = trim
		return p.normalize(*fields)
	}
	ts, frame := splitTimestamp(trim)
	fields, err := parseFrame(frame)
	if err != nil {
		return nil, err
	}
	fields.Timestamp = ts
	fields.Raw = trim
	return p.normalize(*fields)
}

func (p *Parser) normalize(fields normalize.FrameFields) (*model.Notification, error) {
	n, err := normalize.Normalize(fields, p.now(), p.loc)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{")
}

func splitTimestamp(line string) (string, string) {
	head, rest, ok := strings.Cut(line, " ")
	if !ok || !normalize.LooksLikeTimestamp(head) {
		return "", line
	}
	return head, strings.TrimSpace(rest)
}

func parseFrame(frame string) (*normalize.FrameFields, error) {
	upper := strings.ToUpper(frame)
	switch {
	case strings.HasPrefix(upper, "EVENT:"):
		parts := strings.Split(frame, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q", model.ErrMalformedFrame, frame)
		}
		return &normalize.FrameFields{Kind: model.KindEvent, Type: parts[1], Count: parts[2]}, nil
	case strings.HasPrefix(upper, "STATUS:"):
		parts := strings.Split(frame, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q", model.ErrMalformedFrame, frame)
		}
		return &normalize.FrameFields{Kind: model.KindStatus, Label: parts[1], Count: parts[2]}, nil
	case strings.Contains(frame, ","):
		r := csv.NewReader(strings.NewReader(frame))
		r.TrimLeadingSpace = true
		r.FieldsPerRecord = 5
		record, err := r.Read()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrMalformedFrame, err)
		}
		return &normalize.FrameFields{
			Kind:  model.KindSample,
			X:     record[0],
			Y:     record[1],
			Z:     record[2],
			Type:  record[3],
			Count: record[4],
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", model.ErrMalformedFrame, frame)
}
