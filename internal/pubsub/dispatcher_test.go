package pubsub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"media-generation-pipeline/internal/models"
)

func TestHTTPDispatcherActions(t *testing.T) {
	var got []dispatchAction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a dispatchAction
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("decode action: %v", err)
		}
		got = append(got, a)
	}))
	defer srv.Close()

	ctx := context.Background()
	d := NewHTTPDispatcher(srv.URL)
	ref := models.ArtifactRef{Kind: "video", Location: "s3://b/v.mp4", MIME: "video/mp4"}

	if err := d.EditMessageText(ctx, 1, 2, "hello"); err != nil {
		t.Fatalf("EditMessageText: %v", err)
	}
	if err := d.DeleteMessage(ctx, 1, 2); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := d.SendVideo(ctx, 1, ref, "cap"); err != nil {
		t.Fatalf("SendVideo: %v", err)
	}
	if err := d.SendChoice(ctx, 1, "pick", []string{"retry", "support"}); err != nil {
		t.Fatalf("SendChoice: %v", err)
	}

	wantActions := []string{"edit_message_text", "delete_message", "send_video", "send_choice"}
	if len(got) != len(wantActions) {
		t.Fatalf("captured %d actions, want %d", len(got), len(wantActions))
	}
	for i, want := range wantActions {
		if got[i].Action != want {
			t.Fatalf("action[%d] = %s, want %s", i, got[i].Action, want)
		}
	}
	if got[0].Text != "hello" || got[0].ChatID != 1 || got[0].MessageID != 2 {
		t.Fatalf("edit action = %+v", got[0])
	}
	if got[2].Artifact == nil || got[2].Artifact.Location != "s3://b/v.mp4" || got[2].Caption != "cap" {
		t.Fatalf("video action = %+v", got[2])
	}
	if len(got[3].Options) != 2 {
		t.Fatalf("choice action = %+v", got[3])
	}
}

func TestHTTPDispatcherErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL)
	if err := d.SendText(context.Background(), 1, "hi"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}
