package outfits

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// StreamScanner incrementally parses model output as it arrives. Feed it
// chunks in order and it emits each outfit record as soon as the record's
// closing brace has been seen, without waiting for the rest of the array.
//
// The scanner tolerates the noise real models produce around the answer:
// free-form reasoning before the delimiter, markdown code fences, prose
// between the delimiter and the array. It locates the outermost JSON array
// by bracket depth, skipping bracket characters inside string literals.
type StreamScanner struct {
	includeReasoning bool

	buf strings.Builder
	raw string

	delimIdx   int // byte offset of AnswerDelimiter, -1 until seen
	arrayStart int // byte offset of the answer array's '[', -1 until found
	searchFrom int // resume offset for the array-start search

	pos       int // next byte to scan once the array is found
	depth     int
	inString  bool
	escaped   bool
	elemStart int // offset of the current top-level element, -1 between elements
	done      bool

	records []OutfitRecord
	dropped int
}

func NewStreamScanner(includeReasoning bool) *StreamScanner {
	return &StreamScanner{
		includeReasoning: includeReasoning,
		delimIdx:         -1,
		arrayStart:       -1,
		elemStart:        -1,
	}
}

// Feed appends a chunk and returns the records completed by it, in order.
// A chunk may complete zero, one, or several records.
func (s *StreamScanner) Feed(chunk string) []OutfitRecord {
	if chunk == "" {
		return nil
	}
	s.buf.WriteString(chunk)
	s.raw = s.buf.String()

	s.reconsiderArray()
	if s.done {
		return nil
	}
	if s.arrayStart == -1 {
		s.locateArray()
		if s.arrayStart == -1 {
			return nil
		}
	}
	return s.scan()
}

// reconsiderArray abandons an array locked onto before the delimiter was
// seen. A bracket in reasoning prose (a literal "[]", say) can pass the
// lookahead check; when the delimiter then shows up later with no records
// emitted yet, the real answer must follow it, so the scan restarts there.
func (s *StreamScanner) reconsiderArray() {
	if s.delimIdx >= 0 || s.arrayStart == -1 || len(s.records) > 0 {
		return
	}
	idx := strings.Index(s.raw, AnswerDelimiter)
	if idx < 0 {
		return
	}
	s.delimIdx = idx
	if idx < s.arrayStart {
		// the array already sits after the delimiter, keep scanning it
		return
	}
	s.searchFrom = idx + len(AnswerDelimiter)
	s.arrayStart = -1
	s.pos = 0
	s.depth = 0
	s.inString = false
	s.escaped = false
	s.elemStart = -1
	s.done = false
}

// locateArray finds the '[' that opens the answer array. When the delimiter
// is present only text after it is considered. Without a delimiter, a '['
// only qualifies when the next non-space byte is '{' or ']', so bracketed
// prose like "[1]" in a preamble is skipped over.
func (s *StreamScanner) locateArray() {
	if s.delimIdx == -1 {
		if idx := strings.Index(s.raw, AnswerDelimiter); idx >= 0 {
			s.delimIdx = idx
			s.searchFrom = idx + len(AnswerDelimiter)
		}
	}

	for s.searchFrom < len(s.raw) {
		rel := strings.IndexByte(s.raw[s.searchFrom:], '[')
		if rel < 0 {
			s.searchFrom = len(s.raw)
			return
		}
		candidate := s.searchFrom + rel

		next, ok := nextNonSpace(s.raw, candidate+1)
		if !ok {
			// chunk ends right after '['; decide once more data arrives
			return
		}
		if next == '{' || next == ']' || s.delimIdx >= 0 {
			s.arrayStart = candidate
			s.pos = candidate
			return
		}
		s.searchFrom = candidate + 1
	}
}

func nextNonSpace(text string, from int) (byte, bool) {
	for i := from; i < len(text); i++ {
		switch text[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return text[i], true
		}
	}
	return 0, false
}

func (s *StreamScanner) scan() []OutfitRecord {
	var emitted []OutfitRecord
	for s.pos < len(s.raw) && !s.done {
		c := s.raw[s.pos]
		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			s.pos++
			continue
		}
		switch c {
		case '"':
			s.inString = true
		case '{', '[':
			if s.depth == 1 && s.elemStart == -1 {
				s.elemStart = s.pos
			}
			s.depth++
		case '}', ']':
			s.depth--
			if s.depth == 1 && s.elemStart != -1 {
				if record, ok := s.tryRecord(s.raw[s.elemStart : s.pos+1]); ok {
					s.records = append(s.records, record)
					emitted = append(emitted, record)
				}
				s.elemStart = -1
			}
			if s.depth == 0 {
				s.done = true
			}
		}
		s.pos++
	}
	return emitted
}

// tryRecord parses one array element. Malformed or invalid elements are
// dropped with a diagnostic; neighbours are unaffected.
func (s *StreamScanner) tryRecord(element string) (OutfitRecord, bool) {
	var record OutfitRecord
	if err := json.Unmarshal([]byte(element), &record); err != nil {
		s.dropped++
		log.Printf("[Outfit extract] dropping malformed record: %v", err)
		return OutfitRecord{}, false
	}
	if err := record.Validate(); err != nil {
		s.dropped++
		log.Printf("[Outfit extract] dropping invalid record: %v", err)
		return OutfitRecord{}, false
	}
	return record, true
}

// Records returns every record emitted so far.
func (s *StreamScanner) Records() []OutfitRecord {
	return s.records
}

// Dropped returns how many candidate elements failed parsing or validation.
func (s *StreamScanner) Dropped() int {
	return s.dropped
}

// Reasoning returns the text before the delimiter, or "" when reasoning is
// not requested or the output carried no delimiter.
func (s *StreamScanner) Reasoning() string {
	if !s.includeReasoning || s.delimIdx < 0 {
		return ""
	}
	return strings.TrimSpace(s.raw[:s.delimIdx])
}

// Finish must be called once the stream has ended. It fails when nothing
// usable was found in the whole output.
func (s *StreamScanner) Finish() error {
	if len(s.records) > 0 {
		return nil
	}
	detail := "no answer array found"
	if s.arrayStart >= 0 {
		detail = fmt.Sprintf("%d candidate records, none valid", s.dropped)
	}
	return &ExtractionError{Detail: detail}
}
