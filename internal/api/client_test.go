package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.URL), srv
}

func TestAuthenticateAndBearer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("login method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostFormValue("username") != "user" || r.PostFormValue("password") != "secret" {
			t.Errorf("credentials not forwarded: %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "token-1",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	})
	client, _ := newTestClient(t, mux)

	if err := client.Authenticate(context.Background(), "user", "secret"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	token, err := client.bearer(context.Background())
	if err != nil {
		t.Fatalf("bearer failed: %v", err)
	}
	if token != "token-1" {
		t.Fatalf("token = %q", token)
	}
}

func TestBearerNotAuthenticated(t *testing.T) {
	client := NewClient("http://localhost:0", "")
	if _, err := client.bearer(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestUploadECG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rec_anonymized.scp")
	if err := os.WriteFile(path, []byte("scp bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/research/upload", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("authorization = %q", got)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if r.PostFormValue("patient_id") != "ANON000001" {
			t.Errorf("patient_id = %q", r.PostFormValue("patient_id"))
		}
		if r.PostFormValue("model_name") != "hf" {
			t.Errorf("model_name = %q", r.PostFormValue("model_name"))
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			file.Close()
			if header.Filename != "rec_anonymized.scp" {
				t.Errorf("filename = %q", header.Filename)
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"analysis_id": "an-42"})
	})
	client, _ := newTestClient(t, mux)
	client.storeToken(tokenResponse{AccessToken: "token-1", ExpiresIn: 3600})

	result, err := client.UploadECG(context.Background(), path, "ANON000001")
	if err != nil {
		t.Fatalf("UploadECG failed: %v", err)
	}
	if result.AnalysisID != "an-42" {
		t.Fatalf("analysis id = %q", result.AnalysisID)
	}
}

func TestWaitForAnalysisPollsThroughPending(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/research/analysis/an-42", func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			http.NotFound(w, r)
		case 2:
			json.NewEncoder(w).Encode(Analysis{AnalysisID: "an-42", Status: "processing"})
		default:
			json.NewEncoder(w).Encode(Analysis{AnalysisID: "an-42", Status: "completed"})
		}
	})
	client, _ := newTestClient(t, mux)
	client.storeToken(tokenResponse{AccessToken: "token-1", ExpiresIn: 3600})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.WaitForAnalysis(ctx, "an-42", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForAnalysis failed: %v", err)
	}
	if result.Status != "completed" || calls < 3 {
		t.Fatalf("status = %q after %d calls", result.Status, calls)
	}
}

func TestWaitForAnalysisTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/research/analysis/an-42", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Analysis{AnalysisID: "an-42", Status: "processing"})
	})
	client, _ := newTestClient(t, mux)
	client.storeToken(tokenResponse{AccessToken: "token-1", ExpiresIn: 3600})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.WaitForAnalysis(ctx, "an-42", 10*time.Millisecond); !errors.Is(err, ErrAnalysisTimeout) {
		t.Fatalf("expected ErrAnalysisTimeout, got %v", err)
	}
}

func TestDownloadPDF(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/research/analysis/an-42/download", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "pdf" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		json.NewEncoder(w).Encode(map[string]string{"download_link": srvURL + "/blob"})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.4 fake"))
	})
	client, srv := newTestClient(t, mux)
	srvURL = srv.URL
	client.storeToken(tokenResponse{AccessToken: "token-1", ExpiresIn: 3600})

	out := filepath.Join(t.TempDir(), "report.pdf")
	if err := client.DownloadPDF(context.Background(), "an-42", out); err != nil {
		t.Fatalf("DownloadPDF failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "%PDF-1.4 fake" {
		t.Fatalf("downloaded content = %q, %v", data, err)
	}
}
