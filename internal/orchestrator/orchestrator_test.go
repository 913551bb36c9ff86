package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcevault/forcevault/internal/config"
	"github.com/forcevault/forcevault/internal/extract"
	"github.com/forcevault/forcevault/internal/history"
	"github.com/forcevault/forcevault/internal/incremental"
	"github.com/forcevault/forcevault/internal/models"
	"github.com/forcevault/forcevault/internal/relationships"
	"github.com/forcevault/forcevault/internal/salesforce"
	"github.com/forcevault/forcevault/internal/sink"
)

// tenantFake serves describe and the bulk query lifecycle for multiple
// objects, recording the SOQL each extract submitted. The object named
// Broken fails its job; Unsupported is refused at create.
type tenantFake struct {
	mu     sync.Mutex
	soql   map[string]string
	schema map[string]*models.ObjectDescriptor
}

func newTenantFake() *tenantFake {
	return &tenantFake{
		soql:   map[string]string{},
		schema: map[string]*models.ObjectDescriptor{},
	}
}

func (f *tenantFake) queryFor(object string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.soql[object]
}

func objectFromSOQL(soql string) string {
	words := strings.Fields(soql)
	for i, w := range words {
		if w == "FROM" && i+1 < len(words) {
			return words[i+1]
		}
	}
	return ""
}

func (f *tenantFake) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/services/data/v62.0/sobjects/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/services/data/v62.0/sobjects/"), "/")
		require.Len(t, parts, 2, "expected sobjects/<name>/describe")

		f.mu.Lock()
		desc := f.schema[parts[0]]
		f.mu.Unlock()
		if desc == nil {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`[{"errorCode":"NOT_FOUND","message":"The requested resource does not exist"}]`))
			return
		}
		json.NewEncoder(w).Encode(desc)
	})

	mux.HandleFunc("/services/data/v62.0/jobs/query", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		soql := req["query"]
		object := objectFromSOQL(soql)

		f.mu.Lock()
		f.soql[object] = soql
		f.mu.Unlock()

		if object == "Unsupported" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`[{"errorCode":"INVALIDENTITY","message":"Entity 'Unsupported' is not supported by the Bulk API."}]`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "750-" + object, "state": "UploadComplete"})
	})

	mux.HandleFunc("/services/data/v62.0/jobs/query/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/services/data/v62.0/jobs/query/"), "/")
		jobID := parts[0]
		object := strings.TrimPrefix(jobID, "750-")

		switch {
		case len(parts) == 2 && parts[1] == "results":
			w.Header().Set("Sforce-Locator", "null")
			fmt.Fprintf(w, "Id\n%s-001\n%s-002\n", object, object)
		case r.Method == http.MethodDelete || r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusNoContent)
		default:
			if object == "Broken" {
				json.NewEncoder(w).Encode(map[string]string{
					"id": jobID, "state": "Failed", "errorMessage": "internal malfunction",
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"id": jobID, "state": "JobComplete"})
		}
	})

	return httptest.NewServer(mux)
}

func newTestOrchestrator(t *testing.T, serverURL, root string, progress ProgressSink, mutate func(*Options)) *Orchestrator {
	t.Helper()

	client := salesforce.NewClient(config.AuthConfig{
		InstanceURL: serverURL,
		AccessToken: "test-token",
	}, "62.0", 5*time.Second)
	describer := salesforce.NewDescribeCache(client)
	engine := extract.NewEngine(client, describer)
	analyzer := relationships.NewAnalyzer(describer, client)

	hist, err := history.OpenFile(root)
	require.NoError(t, err)

	fileSink := sink.NewFileSink(root, false)
	strategy := incremental.NewStrategy(fileSink, hist, "tester", false)

	opts := Options{
		Parallelism:       4,
		OutputRoot:        root,
		Sink:              fileSink,
		RelationshipDepth: 1,
		Username:          "tester",
		Progress:          progress,
	}
	if mutate != nil {
		mutate(&opts)
	}

	orch, err := New(engine, describer, strategy, analyzer, hist, opts)
	require.NoError(t, err)
	return orch
}

func newTasks(names ...string) []*models.ObjectTask {
	tasks := make([]*models.ObjectTask, 0, len(names))
	for _, name := range names {
		tasks = append(tasks, &models.ObjectTask{
			ObjectName:     name,
			Status:         models.TaskStatusPending,
			SelectedFields: []string{"Id"},
		})
	}
	return tasks
}

func resultFor(run *models.BackupRun, object string) *models.ObjectBackupResult {
	for i := range run.Results {
		if run.Results[i].ObjectName == object {
			return &run.Results[i]
		}
	}
	return nil
}

func TestRunIsolatesFailures(t *testing.T) {
	srv := newTenantFake().server(t)
	defer srv.Close()
	root := t.TempDir()

	rec := &recordingSink{}
	orch := newTestOrchestrator(t, srv.URL, root, rec, nil)

	run, err := orch.Run(context.Background(), newTasks("Account", "Broken", "Unsupported", "Contact"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.CountByStatus(models.TaskStatusCompleted))
	assert.Equal(t, 1, run.CountByStatus(models.TaskStatusFailed))
	assert.Equal(t, 1, run.CountByStatus(models.TaskStatusSkipped))

	account := resultFor(run, "Account")
	require.NotNil(t, account)
	assert.Equal(t, models.TaskStatusCompleted, account.Status)
	assert.Equal(t, int64(2), account.RecordCount)
	assert.NotEmpty(t, account.Watermark)
	_, parseErr := time.Parse(time.RFC3339, account.Watermark)
	assert.NoError(t, parseErr, "watermark must be ISO-8601")

	broken := resultFor(run, "Broken")
	require.NotNil(t, broken)
	assert.Equal(t, models.TaskStatusFailed, broken.Status)
	assert.Contains(t, broken.ErrorMsg, "internal malfunction")
	assert.Empty(t, broken.Watermark, "failed objects never advance the watermark")

	skipped := resultFor(run, "Unsupported")
	require.NotNil(t, skipped)
	assert.Equal(t, models.TaskStatusSkipped, skipped.Status)
	assert.Equal(t, "Object not supported by Bulk API", skipped.ErrorMsg)
	assert.NotEmpty(t, skipped.Hint)

	// Completed objects leave their CSVs behind.
	data, err := os.ReadFile(filepath.Join(root, "Account.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Account-001")
	_, err = os.Stat(filepath.Join(root, "Broken.csv"))
	assert.Error(t, err, "failed extract leaves no confirmed CSV in the result set")
}

func TestRunProgressIsMonotonic(t *testing.T) {
	srv := newTenantFake().server(t)
	defer srv.Close()

	rec := &recordingSink{}
	orch := newTestOrchestrator(t, srv.URL, t.TempDir(), rec, nil)

	run, err := orch.Run(context.Background(), newTasks("Account", "Contact", "Lead", "Case"))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.progress)

	var prev int64
	for _, p := range rec.progress {
		assert.GreaterOrEqual(t, p[0], prev, "completed count never regresses")
		assert.Equal(t, int64(4), p[1])
		prev = p[0]
	}
	assert.Equal(t, int64(4), prev, "final progress reaches the task total")
	assert.Len(t, rec.done, 4, "exactly one terminal event per task")
}

func TestRunRelatedPassExtractsChildren(t *testing.T) {
	fake := newTenantFake()
	fake.schema["Account"] = &models.ObjectDescriptor{
		Name: "Account",
		Fields: []models.FieldDescriptor{
			{Name: "Id", Type: "id"},
			{Name: "Name", Type: "string"},
		},
		ChildRelationships: []models.ChildRelationship{
			{ChildObject: "Contact", Field: "AccountId", RelationshipName: "Contacts"},
		},
	}
	fake.schema["Contact"] = &models.ObjectDescriptor{
		Name: "Contact",
		Fields: []models.FieldDescriptor{
			{Name: "Id", Type: "id"},
			{Name: "LastName", Type: "string"},
			{Name: "AccountId", Type: "reference", ReferenceTo: []string{"Account"}},
		},
	}
	srv := fake.server(t)
	defer srv.Close()
	root := t.TempDir()

	orch := newTestOrchestrator(t, srv.URL, root, nil, func(o *Options) {
		o.IncludeRelated = true
		o.RecordLimit = 1
	})

	run, err := orch.Run(context.Background(), newTasks("Account"))
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, run.Status)

	contact := resultFor(run, "Contact")
	require.NotNil(t, contact, "related child joins the run")
	assert.Equal(t, models.TaskStatusCompleted, contact.Status)
	assert.Equal(t, int64(2), contact.RecordCount)

	// The child predicate carries the parent ids harvested from the CSV.
	soql := fake.queryFor("Contact")
	assert.Contains(t, soql, "WHERE (AccountId IN ('Account-001','Account-002'))")
	assert.NotContains(t, soql, "LIMIT", "the parent predicate replaces the run's record limit")

	data, err := os.ReadFile(filepath.Join(root, "_relationship_manifest.json"))
	require.NoError(t, err)
	var manifest struct {
		Parents        []string `json:"parents"`
		RelatedObjects []struct {
			Object       string `json:"object"`
			ParentObject string `json:"parentObject"`
			ParentField  string `json:"parentField"`
			Depth        int    `json:"depth"`
		} `json:"relatedObjects"`
	}
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, []string{"Account"}, manifest.Parents)
	require.Len(t, manifest.RelatedObjects, 1)
	assert.Equal(t, "Contact", manifest.RelatedObjects[0].Object)
	assert.Equal(t, "Account", manifest.RelatedObjects[0].ParentObject)
	assert.Equal(t, "AccountId", manifest.RelatedObjects[0].ParentField)
	assert.Equal(t, 1, manifest.RelatedObjects[0].Depth)
}

func TestRunCancellationSkipsRemaining(t *testing.T) {
	srv := newTenantFake().server(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := newTestOrchestrator(t, srv.URL, t.TempDir(), nil, nil)
	run, err := orch.Run(ctx, newTasks("Account", "Contact"))
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCancelled, run.Status)
	assert.Equal(t, 2, run.CountByStatus(models.TaskStatusSkipped))
	assert.Zero(t, run.CountByStatus(models.TaskStatusCompleted))
}

func TestRunRecordsHistory(t *testing.T) {
	srv := newTenantFake().server(t)
	defer srv.Close()
	root := t.TempDir()

	orch := newTestOrchestrator(t, srv.URL, root, nil, nil)
	run, err := orch.Run(context.Background(), newTasks("Account"))
	require.NoError(t, err)

	hist, err := history.OpenFile(root)
	require.NoError(t, err)
	runs, err := hist.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
	require.Len(t, runs[0].Results, 1)
	assert.Equal(t, "Account", runs[0].Results[0].ObjectName)
}

func TestOptionsValidate(t *testing.T) {
	base := func() Options {
		return Options{
			Parallelism:       4,
			OutputRoot:        "/tmp/out",
			Sink:              sink.NewFileSink("/tmp/out", false),
			RelationshipDepth: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"valid", nil, false},
		{"no sink", func(o *Options) { o.Sink = nil }, true},
		{"no output root", func(o *Options) { o.OutputRoot = "" }, true},
		{"zero parallelism", func(o *Options) { o.Parallelism = 0 }, true},
		{"parallelism over cap", func(o *Options) { o.Parallelism = 16 }, true},
		{"bad depth with related", func(o *Options) { o.IncludeRelated = true; o.RelationshipDepth = 4 }, true},
		{"negative limit", func(o *Options) { o.RecordLimit = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base()
			if tt.mutate != nil {
				tt.mutate(&opts)
			}
			err := opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
