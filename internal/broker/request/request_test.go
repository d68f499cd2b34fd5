package request_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/twokc/2kc/internal/broker/request"
)

func TestNew_Defaults(t *testing.T) {
	r, err := request.New([]string{"u1"}, "ship it", "T-1", 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if r.Status != request.StatusPending {
		t.Errorf("expected pending, got %s", r.Status)
	}
	if r.DurationSeconds != request.DefaultDurationSeconds {
		t.Errorf("expected default duration, got %d", r.DurationSeconds)
	}
	if r.ID == "" || r.RequestedAt.IsZero() {
		t.Error("id and requestedAt must be set")
	}
}

func TestNew_DeduplicatesPreservingOrder(t *testing.T) {
	r, err := request.New([]string{"b", "a", "b", "c", "a"}, "r", "t", 60)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := strings.Join(r.SecretUUIDs, ",")
	if got != "b,a,c" {
		t.Fatalf("expected b,a,c got %s", got)
	}
}

func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name     string
		uuids    []string
		reason   string
		taskRef  string
		duration int
		wantPart string
	}{
		{"empty uuids", nil, "r", "t", 60, "non-empty"},
		{"blank reason", []string{"u"}, "   ", "t", 60, "reason"},
		{"blank taskRef", []string{"u"}, "r", "\t", 60, "taskRef"},
		{"below minimum", []string{"u"}, "r", "t", 29, "below the minimum"},
		{"above maximum", []string{"u"}, "r", "t", 3601, "exceeds the maximum"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := request.New(tc.uuids, tc.reason, tc.taskRef, tc.duration)
			if !errors.Is(err, request.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantPart) {
				t.Fatalf("expected message containing %q, got %q", tc.wantPart, err)
			}
		})
	}
}

func TestLog_SnapshotDefeatsAliasing(t *testing.T) {
	log := request.NewLog()
	r, err := request.New([]string{"u1"}, "r", "t", 60)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Append(r)

	snap := log.All()
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap))
	}
	snap[0] = nil
	if log.All()[0] == nil {
		t.Fatal("mutating the snapshot must not affect the log")
	}
}

func TestLog_GetAndFilter(t *testing.T) {
	log := request.NewLog()
	r1, _ := request.New([]string{"a", "b"}, "r", "t", 60)
	r2, _ := request.New([]string{"c"}, "r", "t", 60)
	log.Append(r1)
	log.Append(r2)

	if got := log.Get(r2.ID); got != r2 {
		t.Fatal("get by id failed")
	}
	if got := log.Get("missing"); got != nil {
		t.Fatal("expected nil for unknown id")
	}

	matches := log.FilterBySecret("b")
	if len(matches) != 1 || matches[0] != r1 {
		t.Fatalf("filter by secret failed: %+v", matches)
	}
}
