package ledgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"movie-notifier/internal/infra/metrics"
)

type fakeGitHub struct {
	t         *testing.T
	mu        sync.Mutex
	artifacts []artifact
	archives  map[int64][]byte
	nextID    int64
	deleted   []int64
	uploadErr int
	server    *httptest.Server
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	f := &fakeGitHub{t: t, archives: map[int64][]byte{}, nextID: 100}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGitHub) add(name string, created time.Time, expired bool, archive []byte) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.artifacts = append(f.artifacts, artifact{
		ID:                 id,
		Name:               name,
		Expired:            expired,
		CreatedAt:          created,
		ArchiveDownloadURL: f.server.URL + "/download/" + strconv.FormatInt(id, 10),
	})
	f.archives[id] = archive
	return id
}

func (f *fakeGitHub) handle(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer secret" {
		f.t.Errorf("неожиданная авторизация %q", got)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/repos/owner/repo/actions/artifacts":
		if r.URL.Query().Get("per_page") != "100" {
			f.t.Errorf("ожидали per_page=100, получили %q", r.URL.RawQuery)
		}
		name := r.URL.Query().Get("name")
		var list artifactList
		for _, a := range f.artifacts {
			if name == "" || a.Name == name {
				list.Artifacts = append(list.Artifacts, a)
			}
		}
		list.TotalCount = len(list.Artifacts)
		_ = json.NewEncoder(w).Encode(list)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/download/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/download/"), 10, 64)
		_, _ = w.Write(f.archives[id])

	case r.Method == http.MethodPost && r.URL.Path == "/upload/repos/owner/repo/actions/artifacts":
		if f.uploadErr != 0 {
			w.WriteHeader(f.uploadErr)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/zip" {
			f.t.Errorf("неожиданный Content-Type %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if size := r.URL.Query().Get("size"); size != strconv.Itoa(len(body)) {
			f.t.Errorf("size=%s не совпадает с телом %d", size, len(body))
		}
		f.nextID++
		id := f.nextID
		f.artifacts = append(f.artifacts, artifact{
			ID:                 id,
			Name:               r.URL.Query().Get("name"),
			CreatedAt:          time.Now(),
			ArchiveDownloadURL: f.server.URL + "/download/" + strconv.FormatInt(id, 10),
		})
		f.archives[id] = body
		w.WriteHeader(http.StatusCreated)

	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/repos/owner/repo/actions/artifacts/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/repos/owner/repo/actions/artifacts/"), 10, 64)
		f.deleted = append(f.deleted, id)
		kept := f.artifacts[:0]
		for _, a := range f.artifacts {
			if a.ID != id {
				kept = append(kept, a)
			}
		}
		f.artifacts = kept
		w.WriteHeader(http.StatusNoContent)

	default:
		f.t.Errorf("неожиданный запрос %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGitHub) store() *GitHubArtifacts {
	return NewGitHubArtifacts(GitHubConfig{
		Owner:      "owner",
		Repo:       "repo",
		Token:      "secret",
		APIURL:     f.server.URL,
		UploadsURL: f.server.URL + "/upload",
	}, f.server.Client(), zerolog.Nop())
}

func TestZipPayloadRoundTrip(t *testing.T) {
	payload, err := zipPayload("sample.txt", []byte("content"))
	if err != nil {
		t.Fatalf("zip должен собираться: %v", err)
	}
	r, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("архив должен читаться: %v", err)
	}
	if len(r.File) != 1 || r.File[0].Name != "sample.txt" {
		t.Fatalf("ожидали один файл sample.txt, получили %d", len(r.File))
	}
	got, err := firstFile(payload)
	if err != nil || string(got) != "content" {
		t.Fatalf("неожиданное содержимое %q (%v)", got, err)
	}
}

func TestFirstFileOfEmptyArchive(t *testing.T) {
	var buf bytes.Buffer
	if err := zip.NewWriter(&buf).Close(); err != nil {
		t.Fatal(err)
	}
	got, err := firstFile(buf.Bytes())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("пустой архив должен давать пустое содержимое, получили %v", got)
	}
}

func TestDownloadMissingArtifact(t *testing.T) {
	f := newFakeGitHub(t)
	archive, _ := zipPayload("x.txt", []byte("1"))
	f.add("other", time.Now(), false, archive)
	f.add("sent-movie-ids", time.Now(), true, archive)

	_, found, err := f.store().DownloadBlob(context.Background(), "sent-movie-ids")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if found {
		t.Fatalf("просроченный артефакт не должен находиться")
	}
}

func TestDownloadPicksNewestLiveArtifact(t *testing.T) {
	f := newFakeGitHub(t)
	old, _ := zipPayload("h.txt", []byte("1\n2"))
	fresh, _ := zipPayload("h.txt", []byte("1\n2\n3"))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.add("sent-movie-ids", base, false, old)
	f.add("sent-movie-ids", base.Add(time.Hour), false, fresh)

	content, found, err := f.store().DownloadBlob(context.Background(), "sent-movie-ids")
	if err != nil || !found {
		t.Fatalf("ожидали найденный артефакт: found=%v err=%v", found, err)
	}
	if string(content) != "1\n2\n3" {
		t.Fatalf("ожидали самый свежий артефакт, получили %q", content)
	}
}

func TestUploadReplacesPreviousArtifacts(t *testing.T) {
	f := newFakeGitHub(t)
	old, _ := zipPayload("h.txt", []byte("1"))
	oldID := f.add("sent-movie-ids", time.Now().Add(-time.Hour), false, old)
	otherID := f.add("unrelated", time.Now().Add(-time.Hour), false, old)
	store := f.store()

	if err := store.UploadBlob(context.Background(), "sent-movie-ids", "sent_movie_ids.txt", []byte("1\n2")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.deleted) != 1 || f.deleted[0] != oldID {
		t.Fatalf("ожидали удаление только %d, получили %v", oldID, f.deleted)
	}
	for _, id := range f.deleted {
		if id == otherID {
			t.Fatalf("чужой артефакт не должен удаляться")
		}
	}

	content, found, err := store.DownloadBlob(context.Background(), "sent-movie-ids")
	if err != nil || !found || string(content) != "1\n2" {
		t.Fatalf("после загрузки ожидали \"1\\n2\", получили %q found=%v err=%v", content, found, err)
	}
}

func TestDeleteArtifactMetricUsesBlobName(t *testing.T) {
	f := newFakeGitHub(t)
	old, _ := zipPayload("h.txt", []byte("1"))
	first := f.add("ledger-metrics", time.Now().Add(-2*time.Hour), false, old)
	second := f.add("ledger-metrics", time.Now().Add(-time.Hour), false, old)
	byName := metrics.NetworkRequestTotal.WithLabelValues("github", "delete_artifact", "ledger-metrics", "success")
	before := testutil.ToFloat64(byName)

	if err := f.store().UploadBlob(context.Background(), "ledger-metrics", "sent_movie_ids.txt", []byte("1")); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := testutil.ToFloat64(byName) - before; got != 2 {
		t.Fatalf("ожидали 2 удаления с меткой имени артефакта, получили %v", got)
	}
	for _, id := range []int64{first, second} {
		byID := metrics.NetworkRequestTotal.WithLabelValues("github", "delete_artifact", strconv.FormatInt(id, 10), "success")
		if testutil.ToFloat64(byID) != 0 {
			t.Fatalf("id артефакта не должен попадать в метку target")
		}
	}
}

func TestUploadFailureKeepsPreviousArtifact(t *testing.T) {
	f := newFakeGitHub(t)
	old, _ := zipPayload("h.txt", []byte("1"))
	f.add("sent-movie-ids", time.Now(), false, old)
	f.uploadErr = http.StatusInternalServerError

	if err := f.store().UploadBlob(context.Background(), "sent-movie-ids", "h.txt", []byte("1\n2")); err == nil {
		t.Fatalf("ожидали ошибку загрузки")
	}
	if len(f.deleted) != 0 {
		t.Fatalf("при ошибке загрузки старые артефакты не удаляются, удалены %v", f.deleted)
	}
}
