package main

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// demoMessage covers the JSON shapes exchanged by the demo clients:
// {"numbers":[...]} and {"type":...,"id":...,"payload":...}.
type demoMessage struct {
	Numbers []int  `json:"numbers,omitempty"`
	Type    string `json:"type,omitempty"`
	ID      int    `json:"id,omitempty"`
	Payload string `json:"payload,omitempty"`
}

func numbersMessage(n int) ([]byte, error) {
	numbers := make([]int, n)
	for i := range numbers {
		numbers[i] = i
	}
	return json.Marshal(demoMessage{Numbers: numbers})
}

// blockMessages builds count messages of the given type whose payload is
// fill repeated size times. IDs start at 1.
func blockMessages(typ, fill string, size, count int) ([][]byte, error) {
	if size < 0 || count < 1 {
		return nil, errors.Errorf("invalid block message size %d or count %d", size, count)
	}

	out := make([][]byte, 0, count)
	for id := 1; id <= count; id++ {
		b, err := json.Marshal(demoMessage{
			Type:    typ,
			ID:      id,
			Payload: strings.Repeat(fill, size),
		})
		if err != nil {
			return nil, errors.Wrap(err, "marshal block message")
		}
		out = append(out, b)
	}
	return out, nil
}

// parseOffsets parses a comma separated list of split offsets such as "10,50".
func parseOffsets(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var offsets []int
	for _, field := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return nil, errors.Wrapf(err, "split offset %q", field)
		}
		if n <= 0 {
			return nil, errors.Errorf("split offset %d must be positive", n)
		}
		offsets = append(offsets, n)
	}
	sort.Ints(offsets)
	return offsets, nil
}

// splitFrame cuts frame at the given ascending offsets. Offsets past the end
// are ignored and empty parts are never returned.
func splitFrame(frame []byte, offsets []int) [][]byte {
	parts := make([][]byte, 0, len(offsets)+1)
	start := 0
	for _, off := range offsets {
		if off <= start || off >= len(frame) {
			continue
		}
		parts = append(parts, frame[start:off])
		start = off
	}
	if start < len(frame) {
		parts = append(parts, frame[start:])
	}
	return parts
}

// describe summarizes a received payload for logging.
func describe(payload []byte) (demoMessage, bool) {
	var m demoMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return demoMessage{}, false
	}
	return m, true
}
