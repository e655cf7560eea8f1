// koban/database/moderation_test.go
package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"koban/models"
	"koban/utils"
)

func TestDeletePostCascadesThread(t *testing.T) {
	ds := setupTestDB(t)
	makeBoard(t, ds, "md", 10, 0)
	ctx := context.Background()

	thread, err := ds.CreateThread(ctx, CreateThreadRequest{
		BoardID: "md", Content: "op", MediaKey: "op.png", ThumbKey: "t_op.jpg", MediaKind: "image", IP: "10.2.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ds.CreatePost(ctx, CreatePostRequest{
		ThreadID: thread.ID, Content: "reply", MediaKey: "r.jpg", MediaKind: "image", IP: "10.2.0.2",
	}); err != nil {
		t.Fatal(err)
	}

	posts, _ := ds.GetPostsForThread(ctx, thread.ID)
	opID := posts[0].ID

	keys, err := ds.DeletePost(ctx, opID, "mod", "rule violation")
	if err != nil {
		t.Fatalf("DeletePost(op) failed: %v", err)
	}

	var count int
	if err := ds.DB.QueryRow("SELECT COUNT(*) FROM threads WHERE id = ?", thread.ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("Deleting the opening post must delete the whole thread")
	}

	want := map[string]bool{"op.png": false, "t_op.jpg": false, "r.jpg": false}
	for _, k := range keys {
		want[k] = true
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("Media key %s was not collected for cleanup", k)
		}
	}
}

func TestDeleteReplyUpdatesCount(t *testing.T) {
	ds := setupTestDB(t)
	makeBoard(t, ds, "mr", 10, 0)
	ctx := context.Background()

	threadID := createThread(t, ds, "mr", "10.2.1.1")
	post, err := ds.CreatePost(ctx, CreatePostRequest{ThreadID: threadID, Content: "reply", IP: "10.2.1.2"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ds.DeletePost(ctx, post.ID, "mod", ""); err != nil {
		t.Fatal(err)
	}

	thread, _ := ds.GetThread(ctx, threadID)
	if thread.ReplyCount != 0 {
		t.Errorf("Reply count after delete = %d, want 0", thread.ReplyCount)
	}
	if !thread.Alive {
		t.Error("Deleting a reply must not affect thread liveness")
	}
}

func TestAuditTrailForDeletion(t *testing.T) {
	ds := setupTestDB(t)
	makeBoard(t, ds, "at", 10, 0)
	ctx := context.Background()

	threadID := createThread(t, ds, "at", "10.3.0.1")
	post, err := ds.CreatePost(ctx, CreatePostRequest{ThreadID: threadID, Content: "bad", IP: "10.3.0.2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ds.DeletePost(ctx, post.ID, "janet", "off topic"); err != nil {
		t.Fatal(err)
	}

	entries, err := ds.AuditTrailForIP(ctx, "10.3.0.2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("Audit trail length = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Action != models.ActionDeletePost {
		t.Errorf("Action = %s, want %s", e.Action, models.ActionDeletePost)
	}
	if !e.Admin.Valid || e.Admin.String != "janet" {
		t.Error("Audit entry should record the acting admin")
	}
	if e.Reason != "off topic" {
		t.Errorf("Reason = %q", e.Reason)
	}
}

func TestSystemRetirementAuditedWithNullAdmin(t *testing.T) {
	ds := setupTestDB(t)
	makeBoard(t, ds, "sa", 1, 0)
	ctx := context.Background()

	createThread(t, ds, "sa", "10.4.0.1")
	createThread(t, ds, "sa", "10.4.0.2") // evicts the first

	entries, err := ds.AuditTrailForIP(ctx, "10.4.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("Audit trail length = %d, want 1 retirement record", len(entries))
	}
	e := entries[0]
	if e.Action != models.ActionRetireThread {
		t.Errorf("Action = %s, want %s", e.Action, models.ActionRetireThread)
	}
	if e.Admin.Valid {
		t.Error("System-initiated retirement must carry a null admin")
	}
}

func TestBanSnapshotAndEnforcement(t *testing.T) {
	ds := setupTestDB(t)
	makeBoard(t, ds, "bn", 10, 0)
	ctx := context.Background()

	thread, err := ds.CreateThread(ctx, CreateThreadRequest{
		BoardID: "bn", Content: "offending words", MediaKey: "proof.jpg", MediaKind: "image", IP: "10.5.0.1",
	})
	if err != nil {
		t.Fatal(err)
	}
	posts, _ := ds.GetPostsForThread(ctx, thread.ID)

	banID, err := ds.CreateBan(ctx, CreateBanRequest{
		IP: "10.5.0.1", BoardID: "bn", Reason: "spam", PostID: posts[0].ID, Admin: "mod",
	})
	if err != nil {
		t.Fatal(err)
	}

	ban, err := ds.GetBan(ctx, banID)
	if err != nil {
		t.Fatal(err)
	}
	if ban.PostContent != "offending words" || ban.PostMediaKey != "proof.jpg" {
		t.Error("Ban should snapshot the offending post's content and media key")
	}

	// Scoped enforcement: active on its board, invisible elsewhere.
	if _, found, _ := ds.ActiveBanFor(ctx, "10.5.0.1", "bn"); !found {
		t.Error("Board-scoped ban should cover its own board")
	}
	if _, found, _ := ds.ActiveBanFor(ctx, "10.5.0.1", "other"); found {
		t.Error("Board-scoped ban should not cover other boards")
	}
	if _, found, _ := ds.ActiveBanFor(ctx, "10.9.9.9", "bn"); found {
		t.Error("Unrelated IP should not be banned")
	}
}

func TestGlobalAndExpiredBans(t *testing.T) {
	ds := setupTestDB(t)
	ctx := context.Background()

	if _, err := ds.CreateBan(ctx, CreateBanRequest{IP: "10.6.0.1", Reason: "global", Admin: "mod"}); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := ds.ActiveBanFor(ctx, "10.6.0.1", "anyboard"); !found {
		t.Error("Global ban should cover every board")
	}

	expired := sql.NullTime{Time: utils.GetSQLTime().Add(-time.Hour), Valid: true}
	if _, err := ds.CreateBan(ctx, CreateBanRequest{IP: "10.6.0.2", Reason: "old", ExpiresAt: expired, Admin: "mod"}); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := ds.ActiveBanFor(ctx, "10.6.0.2", "b"); found {
		t.Error("Expired ban should not be enforced")
	}
}

func TestAppealLifecycle(t *testing.T) {
	ds := setupTestDB(t)
	ctx := context.Background()

	banID, err := ds.CreateBan(ctx, CreateBanRequest{IP: "10.7.0.1", Reason: "spam", Admin: "mod"})
	if err != nil {
		t.Fatal(err)
	}

	if err := ds.SubmitAppeal(ctx, banID, "it was my cat"); err != nil {
		t.Fatalf("SubmitAppeal failed: %v", err)
	}
	if err := ds.SubmitAppeal(ctx, banID, "again"); err == nil {
		t.Error("Second appeal on the same ban should be rejected")
	}

	if err := ds.RuleAppeal(ctx, banID, true, "mod", "fair enough"); err != nil {
		t.Fatalf("RuleAppeal failed: %v", err)
	}

	ban, _ := ds.GetBan(ctx, banID)
	if ban.AppealStatus != models.AppealAccepted {
		t.Errorf("Appeal status = %s, want accepted", ban.AppealStatus)
	}
	if ban.Active {
		t.Error("Accepting an appeal must lift the ban")
	}

	// The whole exchange is auditable from the IP alone.
	entries, _ := ds.AuditTrailForIP(ctx, "10.7.0.1", 0)
	actions := make(map[string]bool)
	for _, e := range entries {
		actions[e.Action] = true
	}
	for _, want := range []string{models.ActionBan, models.ActionAppeal, models.ActionAppealRuling} {
		if !actions[want] {
			t.Errorf("Audit trail missing action %s", want)
		}
	}
}

func TestPurgeAuditLog(t *testing.T) {
	ds := setupTestDB(t)
	ctx := context.Background()

	old := utils.GetSQLTime().Add(-400 * 24 * time.Hour)
	if _, err := ds.DB.Exec(`
		INSERT INTO audit_log (created_at, action, ip) VALUES (?, 'ban', '10.8.0.1')`, old); err != nil {
		t.Fatal(err)
	}
	if _, err := ds.DB.Exec(`
		INSERT INTO audit_log (created_at, action, ip) VALUES (?, 'ban', '10.8.0.2')`, utils.GetSQLTime()); err != nil {
		t.Fatal(err)
	}

	purged, err := ds.PurgeAuditLog(ctx, 365*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("Purged %d rows, want 1", purged)
	}

	var remaining int
	if err := ds.DB.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&remaining); err != nil {
		t.Fatal(err)
	}
	if remaining != 1 {
		t.Errorf("Remaining audit rows = %d, want 1", remaining)
	}
}

func TestSetPostColorAudited(t *testing.T) {
	ds := setupTestDB(t)
	makeBoard(t, ds, "cl", 10, 0)
	ctx := context.Background()

	threadID := createThread(t, ds, "cl", "10.9.0.1")
	posts, _ := ds.GetPostsForThread(ctx, threadID)

	if err := ds.SetPostColor(ctx, posts[0].ID, "crimson", "mod"); err != nil {
		t.Fatal(err)
	}

	post, _ := ds.GetPostByID(ctx, posts[0].ID)
	if post.Color != "crimson" {
		t.Errorf("Color = %s, want crimson", post.Color)
	}

	entries, _ := ds.AuditTrailForIP(ctx, "10.9.0.1", 0)
	if len(entries) != 1 || entries[0].Action != models.ActionColorChange {
		t.Error("Color change should leave exactly one audit record")
	}
}
