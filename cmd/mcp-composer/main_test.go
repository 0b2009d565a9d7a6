// ABOUTME: Tests for the CLI's colorized slog handler
// ABOUTME: Covers group-qualified attribute keys

package main

import (
	"log/slog"
	"testing"
)

func TestColorHandler_GroupQualifiesKeys(t *testing.T) {
	h := &colorHandler{level: slog.LevelDebug}

	grouped := h.WithGroup("req").WithAttrs([]slog.Attr{slog.String("id", "42")}).(*colorHandler)
	if got := grouped.attrs[0].Key; got != "req.id" {
		t.Errorf("attr key = %q, want req.id", got)
	}
	if got := grouped.qualify("method"); got != "req.method" {
		t.Errorf("qualify(method) = %q, want req.method", got)
	}

	nested := grouped.WithGroup("peer").(*colorHandler)
	if got := nested.qualify("addr"); got != "req.peer.addr" {
		t.Errorf("qualify(addr) = %q, want req.peer.addr", got)
	}

	plain := h.WithAttrs([]slog.Attr{slog.String("id", "42")}).(*colorHandler)
	if got := plain.attrs[0].Key; got != "id" {
		t.Errorf("ungrouped attr key = %q, want id", got)
	}
}
