package db

import (
	"context"
	"testing"
	"time"

	"github.com/marcus/shelf/internal/models"
)

func TestSyncHistoryRecordTailPrune(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	if _, err := db.EnsureSchema(ctx, testIdentity); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	var entries []models.SyncHistoryEntry
	for i, dir := range []string{"push", "pull", "push", "resolve", "pull"} {
		entries = append(entries, models.SyncHistoryEntry{
			Direction: dir,
			EventID:   "ev-" + string(rune('a'+i)),
			Aggregate: "agg",
			Status:    "ok",
			Timestamp: now.Add(time.Duration(i) * time.Second),
		})
	}
	if err := RecordSyncHistory(ctx, db.Conn(), entries); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := RecordSyncHistory(ctx, db.Conn(), nil); err != nil {
		t.Fatalf("empty record: %v", err)
	}

	tail, err := db.SyncHistoryTail(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 3 || tail[0].EventID != "ev-c" || tail[2].EventID != "ev-e" {
		t.Fatalf("tail = %+v", tail)
	}
	if !tail[2].Timestamp.Equal(now.Add(4 * time.Second)) {
		t.Fatalf("timestamp = %v", tail[2].Timestamp)
	}

	removed, err := db.PruneSyncHistory(ctx, 2)
	if err != nil || removed != 3 {
		t.Fatalf("prune: removed=%d err=%v", removed, err)
	}
	all, _ := db.SyncHistoryTail(ctx, 100)
	if len(all) != 2 || all[0].EventID != "ev-d" {
		t.Fatalf("after prune = %+v", all)
	}
}
