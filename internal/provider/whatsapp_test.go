package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coachnotify/pkg/logx"
)

func TestWhatsAppSend(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.123"}},
		})
	}))
	defer srv.Close()

	wa := NewWhatsAppWithBase(logx.Nop(), srv.URL)
	res, err := wa.Send(context.Background(), Config{Token: "tok", PhoneID: "555"}, "+49170111", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != "wamid.123" {
		t.Fatalf("message id = %q", res.MessageID)
	}
	if gotPath != "/555/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth = %q", gotAuth)
	}
	// The leading plus is stripped for the Cloud API.
	if gotBody["to"] != "49170111" {
		t.Fatalf("to = %v", gotBody["to"])
	}
	if text, _ := gotBody["text"].(map[string]any); text["body"] != "hello" {
		t.Fatalf("text = %v", gotBody["text"])
	}
}

func TestWhatsAppSendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		wantConfig bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"forbidden", http.StatusForbidden, true},
		{"server error", http.StatusBadGateway, false},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			wa := NewWhatsAppWithBase(logx.Nop(), srv.URL)
			_, err := wa.Send(context.Background(), Config{Token: "tok", PhoneID: "555"}, "49170111", "hello")
			if err == nil {
				t.Fatal("send succeeded against an erroring server")
			}
			if IsConfig(err) != tt.wantConfig {
				t.Fatalf("err = %v, config = %v, want %v", err, IsConfig(err), tt.wantConfig)
			}
		})
	}
}

func TestWhatsAppSendEmptyRecipient(t *testing.T) {
	t.Parallel()

	wa := NewWhatsApp(logx.Nop())
	_, err := wa.Send(context.Background(), Config{Token: "tok", PhoneID: "555"}, "  + ", "hello")
	if !IsConfig(err) {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestWhatsAppHealthCheck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/555") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "555"})
	}))
	defer srv.Close()

	wa := NewWhatsAppWithBase(logx.Nop(), srv.URL)
	if err := wa.HealthCheck(context.Background(), Config{Token: "tok", PhoneID: "555"}); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if err := wa.HealthCheck(context.Background(), Config{Token: "tok", PhoneID: "999"}); err == nil {
		t.Fatal("health check passed for an unknown phone id")
	}
}
