package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/Zereker/framesock"
	"github.com/rs/zerolog"
)

func TestNumbersMessage(t *testing.T) {
	b, err := numbersMessage(3)
	if err != nil {
		t.Fatalf("numbersMessage failed: %v", err)
	}
	if string(b) != `{"numbers":[0,1,2]}` {
		t.Errorf("numbersMessage = %s", b)
	}
	if len(b) != 19 {
		t.Errorf("len = %d, want 19", len(b))
	}
}

func TestBlockMessages(t *testing.T) {
	msgs, err := blockMessages("BIG_BLOCK", "B", 5, 2)
	if err != nil {
		t.Fatalf("blockMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if string(msgs[1]) != `{"type":"BIG_BLOCK","id":2,"payload":"BBBBB"}` {
		t.Errorf("second message = %s", msgs[1])
	}

	if _, err := blockMessages("X", "A", 1, 0); err == nil {
		t.Error("expected error for zero count")
	}
}

func TestParseOffsets(t *testing.T) {
	got, err := parseOffsets(" 50, 10 ")
	if err != nil {
		t.Fatalf("parseOffsets failed: %v", err)
	}
	if len(got) != 2 || got[0] != 10 || got[1] != 50 {
		t.Errorf("parseOffsets = %v, want [10 50]", got)
	}

	if got, err := parseOffsets(""); err != nil || got != nil {
		t.Errorf("parseOffsets(\"\") = %v, %v", got, err)
	}
	for _, bad := range []string{"x", "0", "-3", "10,,20"} {
		if _, err := parseOffsets(bad); err == nil {
			t.Errorf("parseOffsets(%q): expected error", bad)
		}
	}
}

func TestSplitFrame(t *testing.T) {
	frame := []byte("0123456789")

	cases := []struct {
		offsets []int
		want    []string
	}{
		{nil, []string{"0123456789"}},
		{[]int{2, 5}, []string{"01", "234", "56789"}},
		{[]int{5, 5, 20}, []string{"01234", "56789"}},
		{[]int{10}, []string{"0123456789"}},
	}

	for _, c := range cases {
		parts := splitFrame(frame, c.offsets)
		if len(parts) != len(c.want) {
			t.Errorf("splitFrame(%v) = %q, want %q", c.offsets, parts, c.want)
			continue
		}
		for i := range parts {
			if string(parts[i]) != c.want[i] {
				t.Errorf("splitFrame(%v)[%d] = %q, want %q", c.offsets, i, parts[i], c.want[i])
			}
		}
		if !bytes.Equal(bytes.Join(parts, nil), frame) {
			t.Errorf("splitFrame(%v) lost bytes", c.offsets)
		}
	}
}

func TestDescribe(t *testing.T) {
	m, ok := describe([]byte(`{"type":"BIG_BLOCK","id":7,"payload":"AAA"}`))
	if !ok {
		t.Fatal("describe rejected valid JSON")
	}
	if m.Type != "BIG_BLOCK" || m.ID != 7 || len(m.Payload) != 3 {
		t.Errorf("describe = %+v", m)
	}

	if _, ok := describe([]byte("not json")); ok {
		t.Error("describe accepted invalid JSON")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestNewLogger_EnvOverride(t *testing.T) {
	t.Setenv(envLogLevel, "error")

	var buf bytes.Buffer
	logger := newLogger(&buf, "debug")
	if logger.GetLevel() != zerolog.ErrorLevel {
		t.Errorf("level = %v, want error", logger.GetLevel())
	}
}

func TestSendPlan_EchoRoundTrip(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := framesock.New(addr)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, &logHandler{logger: zerolog.Nop(), echo: true})

	payloads, err := blockMessages("BIG_BLOCK", "A", 200, 2)
	if err != nil {
		t.Fatalf("blockMessages failed: %v", err)
	}

	for _, coalesce := range []bool{false, true} {
		plan := sendPlan{
			addr:     server.Addr().String(),
			encoder:  framesock.NewEncoder(framesock.DefaultMaxPayload),
			payloads: payloads,
			offsets:  []int{10, 50},
			delay:    10 * time.Millisecond,
			coalesce: coalesce,
			echo:     true,
		}

		runCtx, runCancel := context.WithTimeout(ctx, 5*time.Second)
		err := plan.run(runCtx, zerolog.Nop())
		runCancel()
		if err != nil {
			t.Errorf("coalesce=%v: run failed: %v", coalesce, err)
		}
	}
}
