package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/engage/internal/core"
	"github.com/mistakeknot/engage/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestRecordDefaultsNotes(t *testing.T) {
	r := NewRecorder(storage.NewInMemory(), nil)
	rec, err := r.Record(context.Background(), Entry{
		Subject:   "w1",
		Holder:    "a",
		StartedAt: t0,
		EndedAt:   t0.Add(time.Hour),
		Value:     42.5,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ID == "" || rec.Notes != "Released by a" || rec.Value != 42.5 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRecordValidates(t *testing.T) {
	r := NewRecorder(storage.NewInMemory(), nil)
	_, err := r.Record(context.Background(), Entry{Subject: "w1", Holder: "a", StartedAt: t0, EndedAt: t0.Add(-time.Second)})
	if !errors.Is(err, core.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestDuplicateRecordsAllowed(t *testing.T) {
	r := NewRecorder(storage.NewInMemory(), nil)
	ctx := context.Background()
	e := Entry{Subject: "w1", Holder: "a", StartedAt: t0, EndedAt: t0}
	for i := 0; i < 2; i++ {
		if _, err := r.Record(ctx, e); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	recs, err := r.Recent(ctx, "w1", RoleSubject, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}

func TestRecentByRole(t *testing.T) {
	r := NewRecorder(storage.NewInMemory(), nil)
	ctx := context.Background()
	seed := []Entry{
		{Subject: "w1", Holder: "a", Notes: "first"},
		{Subject: "w2", Holder: "a", Notes: "second"},
		{Subject: "a", Holder: "b", Notes: "third"},
	}
	for _, e := range seed {
		e.StartedAt, e.EndedAt = t0, t0
		if _, err := r.Record(ctx, e); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	byHolder, _ := r.Recent(ctx, "a", RoleHolder, 0)
	if len(byHolder) != 2 || byHolder[0].Notes != "second" {
		t.Fatalf("expected newest-first holder records, got %+v", byHolder)
	}
	bySubject, _ := r.Recent(ctx, "a", RoleSubject, 0)
	if len(bySubject) != 1 || bySubject[0].Notes != "third" {
		t.Fatalf("unexpected subject records: %+v", bySubject)
	}
	byParty, _ := r.Recent(ctx, "a", RoleParty, 0)
	if len(byParty) != 3 {
		t.Fatalf("expected 3 party records, got %d", len(byParty))
	}
	limited, _ := r.Recent(ctx, "a", RoleParty, 1)
	if len(limited) != 1 || limited[0].Notes != "third" {
		t.Fatalf("expected limit to keep newest, got %+v", limited)
	}
	if _, err := r.Recent(ctx, "a", Role("boss"), 0); !errors.Is(err, core.ErrInvalid) {
		t.Fatalf("expected invalid role, got %v", err)
	}
}
