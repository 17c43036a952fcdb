// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package extmetrics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rezolus/agent/histogram"
)

// Line protocol. One directive per line:
//
//	name{key="value",key2="value2"} type:value
//	# SESSION key="value",key2="value2"
//
// type is counter, gauge or histogram; histogram values are
// histogram:<grouping_power>,<max_value_power>:<b0> <b1> ...
// Label values are double-quoted; \" and \\ are the only escapes. A
// session line with no pairs clears the session labels. Blank lines and
// other # lines are comments. A malformed line is skipped and never
// poisons the connection.

// ErrMalformedLine is the base error for structurally invalid lines.
var ErrMalformedLine = errors.New("malformed line")

const sessionKeyword = "# SESSION"

// ParseLine decodes one line. ok is false for blank lines and comments,
// which carry no directive. A non-nil error marks the line malformed; the
// caller counts it and resumes at the next line.
func ParseLine(line string) (d Directive, ok bool, err error) {
	line = strings.TrimSpace(line)

	if line == "" {
		return Directive{}, false, nil
	}

	if rest, isSession := strings.CutPrefix(line, sessionKeyword); isSession &&
		(rest == "" || rest[0] == ' ') {
		labels, err := parseLabelList(strings.TrimSpace(rest))
		if err != nil {
			return Directive{}, false, err
		}
		return Directive{Session: true, Labels: labels}, true, nil
	}

	if strings.HasPrefix(line, "#") {
		return Directive{}, false, nil
	}

	nameLabels, valueStr, err := splitNameValue(line)
	if err != nil {
		return Directive{}, false, err
	}

	name, labels, err := parseNameLabels(nameLabels)
	if err != nil {
		return Directive{}, false, err
	}

	value, err := parseLineValue(valueStr)
	if err != nil {
		return Directive{}, false, err
	}

	return Directive{Name: name, Labels: labels, Value: value}, true, nil
}

// splitNameValue finds the space separating name+labels from the typed
// value, ignoring spaces inside quoted label values and label braces.
func splitNameValue(line string) (string, string, error) {
	inQuotes := false
	inBraces := false
	escaped := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inQuotes {
				escaped = true
			}
		case '"':
			inQuotes = !inQuotes
		case '{':
			if !inQuotes {
				inBraces = true
			}
		case '}':
			if !inQuotes {
				inBraces = false
			}
		case ' ':
			if !inQuotes && !inBraces {
				return line[:i], strings.TrimSpace(line[i+1:]), nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: missing value", ErrMalformedLine)
}

func parseNameLabels(s string) (string, []Label, error) {
	braceStart := strings.IndexByte(s, '{')
	if braceStart < 0 {
		name := strings.TrimSpace(s)
		if name == "" {
			return "", nil, fmt.Errorf("%w: empty metric name", ErrMalformedLine)
		}
		return name, nil, nil
	}

	name := strings.TrimSpace(s[:braceStart])
	if name == "" {
		return "", nil, fmt.Errorf("%w: empty metric name", ErrMalformedLine)
	}
	if !strings.HasSuffix(s, "}") {
		return "", nil, fmt.Errorf("%w: unclosed labels", ErrMalformedLine)
	}

	labels, err := parseLabelList(s[braceStart+1 : len(s)-1])
	if err != nil {
		return "", nil, err
	}
	return name, labels, nil
}

// parseLabelList parses comma-separated key="value" pairs with \" and \\
// as the only recognized escapes.
func parseLabelList(s string) ([]Label, error) {
	var labels []Label
	i := 0
	for {
		for i < len(s) && (s[i] == ' ' || s[i] == ',') {
			i++
		}
		if i >= len(s) {
			return labels, nil
		}

		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: label without '='", ErrMalformedLine)
		}
		key := strings.TrimSpace(s[i : i+eq])
		if key == "" {
			return nil, fmt.Errorf("%w: empty label key", ErrMalformedLine)
		}
		i += eq + 1

		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) || s[i] != '"' {
			return nil, fmt.Errorf("%w: label value must be double-quoted", ErrMalformedLine)
		}
		i++

		var val strings.Builder
		closed := false
		for i < len(s) {
			c := s[i]
			if c == '\\' {
				if i+1 >= len(s) {
					return nil, fmt.Errorf("%w: dangling escape", ErrMalformedLine)
				}
				next := s[i+1]
				if next != '"' && next != '\\' {
					return nil, fmt.Errorf("%w: unrecognized escape \\%c", ErrMalformedLine, next)
				}
				val.WriteByte(next)
				i += 2
				continue
			}
			if c == '"' {
				closed = true
				i++
				break
			}
			val.WriteByte(c)
			i++
		}
		if !closed {
			return nil, fmt.Errorf("%w: unterminated label value", ErrMalformedLine)
		}

		labels = append(labels, Label{Key: key, Value: val.String()})
	}
}

func parseLineValue(s string) (Value, error) {
	prefix, rest, found := strings.Cut(s, ":")
	if !found {
		return Value{}, fmt.Errorf("%w: missing value type prefix", ErrMalformedLine)
	}

	switch prefix {
	case "counter":
		v, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid counter value %q", ErrMalformedLine, rest)
		}
		return CounterValue(v), nil
	case "gauge":
		v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid gauge value %q", ErrMalformedLine, rest)
		}
		return GaugeValue(v), nil
	case "histogram":
		return parseLineHistogram(rest)
	default:
		return Value{}, fmt.Errorf("%w: unknown value type %q", ErrMalformedLine, prefix)
	}
}

// parseLineHistogram parses <grouping_power>,<max_value_power>:<buckets>.
func parseLineHistogram(s string) (Value, error) {
	shapeStr, bucketsStr, found := strings.Cut(s, ":")
	if !found {
		return Value{}, fmt.Errorf("%w: histogram missing bucket section", ErrMalformedLine)
	}
	gpStr, mvpStr, found := strings.Cut(shapeStr, ",")
	if !found {
		return Value{}, fmt.Errorf("%w: histogram shape must be gp,mvp", ErrMalformedLine)
	}

	gp, err := strconv.ParseUint(strings.TrimSpace(gpStr), 10, 8)
	if err != nil {
		return Value{}, fmt.Errorf("%w: invalid grouping power %q", ErrMalformedLine, gpStr)
	}
	mvp, err := strconv.ParseUint(strings.TrimSpace(mvpStr), 10, 8)
	if err != nil {
		return Value{}, fmt.Errorf("%w: invalid max value power %q", ErrMalformedLine, mvpStr)
	}
	shape, err := histogram.NewConfig(uint8(gp), uint8(mvp))
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	fields := strings.Fields(bucketsStr)
	if len(fields) > shape.TotalBuckets() {
		return Value{}, fmt.Errorf("%w: %d buckets exceed shape capacity %d",
			ErrMalformedLine, len(fields), shape.TotalBuckets())
	}
	buckets := make([]uint64, 0, len(fields))
	for _, f := range fields {
		b, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid bucket value %q", ErrMalformedLine, f)
		}
		buckets = append(buckets, b)
	}

	return HistogramValue(shape, padBuckets(buckets, shape)), nil
}

// FormatLine renders a directive in the line protocol, quoting and
// escaping label values. Histogram lines carry the full bucket array.
func FormatLine(d Directive) string {
	var b strings.Builder

	if d.Session {
		b.WriteString(sessionKeyword)
		if len(d.Labels) > 0 {
			b.WriteByte(' ')
			writeLabelList(&b, d.Labels)
		}
		return b.String()
	}

	b.WriteString(d.Name)
	if len(d.Labels) > 0 {
		b.WriteByte('{')
		writeLabelList(&b, d.Labels)
		b.WriteByte('}')
	}
	b.WriteByte(' ')

	switch d.Value.Kind {
	case KindCounter:
		b.WriteString("counter:")
		b.WriteString(strconv.FormatUint(d.Value.Counter, 10))
	case KindGauge:
		b.WriteString("gauge:")
		b.WriteString(strconv.FormatInt(d.Value.Gauge, 10))
	case KindHistogram:
		fmt.Fprintf(&b, "histogram:%d,%d:", d.Value.Shape.GroupingPower(), d.Value.Shape.MaxValuePower())
		for i, bucket := range d.Value.Buckets {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatUint(bucket, 10))
		}
	}
	return b.String()
}

func writeLabelList(b *strings.Builder, labels []Label) {
	for i, l := range labels {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Key)
		b.WriteString(`="`)
		escaped := strings.ReplaceAll(l.Value, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		b.WriteString(escaped)
		b.WriteByte('"')
	}
}
