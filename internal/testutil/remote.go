package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/remote"
)

// FakeRequest is one request received by a FakeRemote.
type FakeRequest struct {
	Path        string
	Query       string
	Enrollments []model.Enrollment
	Instances   []model.Instance
}

// FakeRemote is an in-process stand-in for the remote tracker API.
//
// By default every item is accepted: new items get sequential references
// ("enr-1", "ev-1", "tei-1"), items that already carry an id are reported
// updated. Decide overrides the summary of individual enrollments.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FakeRemote struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []FakeRequest
	status   int
	body     string
	decide   func(model.Enrollment) *remote.ImportSummary
	seq      map[string]int
}

// NewFakeRemote starts a fake remote closed at test cleanup.
func NewFakeRemote(t *testing.T) *FakeRemote {
	t.Helper()
	f := &FakeRemote{seq: make(map[string]int)}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

// URL is the base URL of the fake.
func (f *FakeRemote) URL() string {
	return f.server.URL
}

// FailWith makes every following request answer status with body.
// A zero status restores normal behavior.
func (f *FakeRemote) FailWith(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.body = body
}

// Decide installs a per-enrollment summary override. Returning nil keeps
// the default acceptance.
func (f *FakeRemote) Decide(fn func(model.Enrollment) *remote.ImportSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decide = fn
}

// Requests returns the requests received so far.
func (f *FakeRemote) Requests() []FakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeRequest(nil), f.requests...)
}

// Count returns the number of requests received so far.
func (f *FakeRemote) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *FakeRemote) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var body struct {
		Enrollments []model.Enrollment `json:"enrollments"`
		Instances   []model.Instance   `json:"trackedEntityInstances"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.requests = append(f.requests, FakeRequest{
		Path:        r.URL.Path,
		Query:       r.URL.RawQuery,
		Enrollments: body.Enrollments,
		Instances:   body.Instances,
	})

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, f.body)
		return
	}

	var sums []remote.ImportSummary
	switch r.URL.Path {
	case remote.InstancesPath:
		for range body.Instances {
			sums = append(sums, f.accepted("tei", ""))
		}
	case remote.EnrollmentsPath:
		for _, enr := range body.Enrollments {
			sums = append(sums, f.enrollmentSummary(enr))
		}
	default:
		http.NotFound(w, r)
		return
	}

	resp := remote.Response{Status: "OK", Response: remote.Summaries{ImportSummaries: sums, Total: len(sums)}}
	for _, s := range sums {
		switch {
		case s.ImportCount.Ignored > 0:
			resp.Response.Ignored++
		case s.ImportCount.Updated > 0:
			resp.Response.Updated++
		default:
			resp.Response.Imported++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *FakeRemote) enrollmentSummary(enr model.Enrollment) remote.ImportSummary {
	if f.decide != nil {
		if s := f.decide(enr); s != nil {
			return *s
		}
	}
	sum := f.accepted("enr", enr.ID)
	if len(enr.Events) > 0 {
		nested := &remote.Summaries{}
		for _, ev := range enr.Events {
			nested.ImportSummaries = append(nested.ImportSummaries, f.accepted("ev", ev.ID))
		}
		sum.Events = nested
	}
	return sum
}

func (f *FakeRemote) accepted(kind, existing string) remote.ImportSummary {
	if existing != "" {
		return remote.ImportSummary{Status: "SUCCESS", Reference: existing, ImportCount: remote.ImportCount{Updated: 1}}
	}
	f.seq[kind]++
	return remote.ImportSummary{
		Status:      "SUCCESS",
		Reference:   fmt.Sprintf("%s-%d", kind, f.seq[kind]),
		ImportCount: remote.ImportCount{Imported: 1},
	}
}
