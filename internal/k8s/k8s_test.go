package k8s

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
)

func TestSanitizeJobName(t *testing.T) {
	name := SanitizeJobName("RUN123", "Build And Test!")
	if name != "sykli-run123-build-and-test-" {
		t.Fatalf("unexpected sanitized name: %q", name)
	}
}

func TestBuildManifestRequiresFields(t *testing.T) {
	if _, err := BuildManifest(ManifestOpts{}); err == nil {
		t.Fatal("expected error for missing required fields")
	}
	job, err := BuildManifest(ManifestOpts{Name: "n", Namespace: "ns", Image: "alpine", Command: []string{"echo", "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Spec.Template.Spec.Containers[0].Image != "alpine" {
		t.Fatalf("unexpected manifest: %+v", job)
	}
}

func TestShellSafeRejectsInvalidCharacters(t *testing.T) {
	_, _, err := BuildGitInitContainer(SourceSpec{URL: "https://example.com/repo.git; rm -rf /"})
	if err == nil {
		t.Fatal("expected allow-list rejection for shell metacharacters")
	}
}

func TestShellSafeAcceptsValidURL(t *testing.T) {
	vol, container, err := BuildGitInitContainer(SourceSpec{URL: "https://example.com/org/repo.git", Branch: "main", SHA: "abc123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vol.Name != "sykli-workspace" || container.Image != "alpine/git" {
		t.Fatalf("unexpected init container: %+v", container)
	}
}

// TestJobLifecycleAgainstFakeServer mirrors scenario E5: create a Job,
// poll until status.succeeded=1 after two polls, fetch logs.
func TestJobLifecycleAgainstFakeServer(t *testing.T) {
	pollsSeen := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/apis/batch/v1/namespaces/default/jobs", func(w http.ResponseWriter, r *http.Request) {
		var job batchv1.Job
		_ = json.NewDecoder(r.Body).Decode(&job)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(job)
	})
	mux.HandleFunc("/apis/batch/v1/namespaces/default/jobs/sykli-run1-echo", func(w http.ResponseWriter, r *http.Request) {
		pollsSeen++
		var job batchv1.Job
		if pollsSeen >= 2 {
			job.Status.Succeeded = 1
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(job)
	})
	mux.HandleFunc("/api/v1/namespaces/default/pods", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"metadata":{"name":"sykli-run1-echo-abcde"}}]}`))
	})
	mux.HandleFunc("/api/v1/namespaces/default/pods/sykli-run1-echo-abcde/log", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hi\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := &Auth{APIURL: srv.URL, Method: AuthBearer, Token: "fake", Namespace: "default"}
	client, err := NewClient(auth, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	repo := NewJobRepo(client)

	job, err := BuildManifest(ManifestOpts{
		Name: "sykli-run1-echo", Namespace: "default", Image: "alpine", Command: []string{"echo", "hi"},
	})
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	if _, err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}

	outcome, err := repo.WaitComplete(context.Background(), "sykli-run1-echo", "default", 5*time.Second, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("wait_complete: %v", err)
	}
	if outcome != Succeeded {
		t.Fatalf("expected Succeeded, got %v", outcome)
	}
	if pollsSeen < 2 {
		t.Fatalf("expected at least 2 polls, got %d", pollsSeen)
	}

	logs, err := repo.Logs(context.Background(), "sykli-run1-echo", "default", "")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if string(logs) != "hi\n" {
		t.Fatalf("unexpected logs: %q", logs)
	}
}
