package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/nkomilov/storefront-system/internal/localstore"
)

type stubPrompter struct {
	key   string
	err   error
	calls int
}

func (s *stubPrompter) PromptAPIKey(ctx context.Context) (string, error) {
	s.calls++
	return s.key, s.err
}

func TestUpload_Success(t *testing.T) {
	var gotKey, gotImage string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotImage = r.FormValue("image")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"url":"https://i.example/abc.jpg"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-key", localstore.NewMemoryStore(), nil, zap.NewNop())

	link, err := client.Upload(context.Background(), []byte("fake image bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != "https://i.example/abc.jpg" {
		t.Errorf("unexpected link %s", link)
	}
	if gotKey != "secret-key" {
		t.Errorf("unexpected api key %s", gotKey)
	}

	decoded, err := base64.StdEncoding.DecodeString(gotImage)
	if err != nil {
		t.Fatalf("image field is not base64: %v", err)
	}
	if string(decoded) != "fake image bytes" {
		t.Errorf("unexpected image payload %q", decoded)
	}
}

func TestUpload_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":{"message":"Invalid API key"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad-key", localstore.NewMemoryStore(), nil, zap.NewNop())

	_, err := client.Upload(context.Background(), []byte("img"))
	if err == nil {
		t.Fatalf("expected error from rejected upload")
	}
}

func TestResolveKey_FromStorage(t *testing.T) {
	storage := localstore.NewMemoryStore()
	_ = storage.Set(context.Background(), apiKeyStoreKey, []byte("stored-key"))

	client := NewClient("https://api.imgbb.com", "", storage, nil, zap.NewNop())

	key, err := client.resolveKey(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "stored-key" {
		t.Errorf("unexpected key %s", key)
	}
}

func TestResolveKey_PromptedOnceAndPersisted(t *testing.T) {
	storage := localstore.NewMemoryStore()
	prompter := &stubPrompter{key: "prompted-key"}

	client := NewClient("https://api.imgbb.com", "", storage, prompter, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		key, err := client.resolveKey(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if key != "prompted-key" {
			t.Errorf("unexpected key %s", key)
		}
	}

	if prompter.calls != 1 {
		t.Errorf("prompter must be called once, got %d", prompter.calls)
	}

	raw, err := storage.Get(ctx, apiKeyStoreKey)
	if err != nil {
		t.Fatalf("prompted key must be persisted: %v", err)
	}
	if string(raw) != "prompted-key" {
		t.Errorf("unexpected persisted key %q", raw)
	}
}

func TestResolveKey_Missing(t *testing.T) {
	client := NewClient("https://api.imgbb.com", "", localstore.NewMemoryStore(), nil, zap.NewNop())

	_, err := client.resolveKey(context.Background())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestResolveKey_EmptyPromptNotRepeated(t *testing.T) {
	prompter := &stubPrompter{key: "   "}
	client := NewClient("https://api.imgbb.com", "", localstore.NewMemoryStore(), prompter, zap.NewNop())

	ctx := context.Background()
	if _, err := client.resolveKey(ctx); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := client.resolveKey(ctx); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey on second call, got %v", err)
	}
	if prompter.calls != 1 {
		t.Errorf("prompter must be called once, got %d", prompter.calls)
	}
}
