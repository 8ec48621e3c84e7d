package eventstore

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/sentrycam/internal/event"
)

func TestNewEventRow(t *testing.T) {
	local := time.Date(2026, 5, 1, 2, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	testCases := []struct {
		name     string
		event    event.Event
		wantMeta string
		wantConf *float64
	}{
		{
			name:     "nil meta and confidence",
			event:    event.Event{ID: "a", Type: "motion", Timestamp: local, Mode: event.ModeMotion},
			wantMeta: "{}",
		},
		{
			name: "meta and confidence",
			event: event.Event{
				ID: "b", Type: "thumbs_up", Timestamp: local, Mode: event.ModeGesture,
				Confidence: event.Float(0.75),
				Meta:       map[string]any{"snapshot": "s.jpg"},
			},
			wantMeta: `{"snapshot":"s.jpg"}`,
			wantConf: event.Float(0.75),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			row, err := newEventRow(tc.event)
			if err != nil {
				t.Fatalf("newEventRow: %v", err)
			}
			if row.Meta != tc.wantMeta {
				t.Fatalf("meta = %s, want %s", row.Meta, tc.wantMeta)
			}
			if (row.Confidence == nil) != (tc.wantConf == nil) {
				t.Fatalf("confidence = %v, want %v", row.Confidence, tc.wantConf)
			}
			if tc.wantConf != nil && *row.Confidence != *tc.wantConf {
				t.Fatalf("confidence = %v, want %v", *row.Confidence, *tc.wantConf)
			}
			if row.Timestamp.Location() != time.UTC || !row.Timestamp.Equal(local) {
				t.Fatalf("timestamp = %v, want %v in UTC", row.Timestamp, local)
			}
			if row.Mode != string(tc.event.Mode) || row.ID != tc.event.ID || row.Type != tc.event.Type {
				t.Fatalf("unexpected row %+v", row)
			}
		})
	}
}

func TestNewEventRowRejectsUnencodableMeta(t *testing.T) {
	e := ev("a")
	e.Meta = map[string]any{"bad": make(chan int)}
	if _, err := newEventRow(e); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestInsertEventSQLBinding(t *testing.T) {
	row, err := newEventRow(event.Event{ID: "a", Type: "motion", Timestamp: time.Unix(0, 0), Mode: event.ModeMotion})
	if err != nil {
		t.Fatal(err)
	}

	query, args, err := sqlx.Named(insertEventSQL, row)
	if err != nil {
		t.Fatalf("sqlx.Named: %v", err)
	}
	if len(args) != 6 {
		t.Fatalf("bound %d args, want 6", len(args))
	}
	if conf, ok := args[2].(*float64); !ok || conf != nil {
		t.Fatalf("confidence arg = %#v, want nil *float64", args[2])
	}
	if args[5] != "{}" {
		t.Fatalf("meta arg = %#v", args[5])
	}

	query = sqlx.Rebind(sqlx.DOLLAR, query)
	if strings.Contains(query, ":meta") || !strings.Contains(query, "$6") {
		t.Fatalf("unexpected rebound query %s", query)
	}
}

// Runs against a live server when SENTRYCAM_TEST_POSTGRES_DSN is set.
func TestPostgresLogAppend(t *testing.T) {
	dsn := os.Getenv("SENTRYCAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SENTRYCAM_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	archive, err := NewPostgresLog(ctx, PostgresConfig{DSN: dsn}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewPostgresLog: %v", err)
	}
	defer archive.Close()

	if err := archive.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	e := ev(uuid.NewString())
	e.Confidence = nil
	for i := 0; i < 2; i++ {
		if err := archive.Append(e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var got struct {
		Count      int      `db:"count"`
		Confidence *float64 `db:"confidence"`
		Meta       string   `db:"meta"`
	}
	err = archive.db.GetContext(ctx, &got,
		`SELECT COUNT(*) OVER () AS count, confidence, meta::text AS meta FROM events WHERE id = $1`, e.ID)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.Count != 1 {
		t.Fatalf("duplicate insert stored %d rows", got.Count)
	}
	if got.Confidence != nil {
		t.Fatalf("confidence = %v, want NULL", *got.Confidence)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(got.Meta), &meta); err != nil || meta["id"] != e.ID {
		t.Fatalf("meta = %s (%v)", got.Meta, err)
	}
}
