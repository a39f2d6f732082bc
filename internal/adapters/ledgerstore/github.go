package ledgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"movie-notifier/internal/domain"
	"movie-notifier/internal/infra/metrics"
)

const (
	defaultGitHubAPI     = "https://api.github.com"
	defaultGitHubUploads = "https://uploads.github.com"
	githubAccept         = "application/vnd.github+json"
	githubUserAgent      = "movie-notifier-bot-state"
)

// GitHubConfig описывает доступ к артефактам GitHub Actions.
type GitHubConfig struct {
	Owner      string
	Repo       string
	Token      string
	APIURL     string
	UploadsURL string
}

// GitHubArtifacts хранит блобы как zip-артефакты GitHub Actions с одним файлом внутри.
type GitHubArtifacts struct {
	cfg    GitHubConfig
	client *http.Client
	log    zerolog.Logger
}

var _ domain.LedgerStore = (*GitHubArtifacts)(nil)

// NewGitHubArtifacts создаёт хранилище. client может быть nil.
func NewGitHubArtifacts(cfg GitHubConfig, client *http.Client, logger zerolog.Logger) *GitHubArtifacts {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultGitHubAPI
	}
	if cfg.UploadsURL == "" {
		cfg.UploadsURL = defaultGitHubUploads
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.UploadsURL = strings.TrimRight(cfg.UploadsURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GitHubArtifacts{cfg: cfg, client: client, log: logger}
}

type artifactList struct {
	TotalCount int        `json:"total_count"`
	Artifacts  []artifact `json:"artifacts"`
}

type artifact struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	ArchiveDownloadURL string    `json:"archive_download_url"`
	Expired            bool      `json:"expired"`
	CreatedAt          time.Time `json:"created_at"`
}

// DownloadBlob скачивает самый свежий непросроченный артефакт и возвращает первый файл архива.
func (g *GitHubArtifacts) DownloadBlob(ctx context.Context, name string) ([]byte, bool, error) {
	artifacts, err := g.listArtifacts(ctx, name)
	if err != nil {
		return nil, false, err
	}
	latest, ok := latestLive(artifacts, name)
	if !ok {
		return nil, false, nil
	}

	archive, err := g.downloadArchive(ctx, name, latest.ArchiveDownloadURL)
	if err != nil {
		return nil, false, err
	}
	content, err := firstFile(archive)
	if err != nil {
		return nil, false, fmt.Errorf("github: распаковка артефакта %s: %w", name, err)
	}
	return content, true, nil
}

// UploadBlob загружает новый артефакт и удаляет предыдущие с тем же именем.
func (g *GitHubArtifacts) UploadBlob(ctx context.Context, name, fileName string, content []byte) error {
	previous, err := g.listArtifacts(ctx, name)
	if err != nil {
		return err
	}
	payload, err := zipPayload(fileName, content)
	if err != nil {
		return fmt.Errorf("github: упаковка артефакта: %w", err)
	}
	if err := g.uploadArchive(ctx, name, payload); err != nil {
		return err
	}
	for _, a := range previous {
		if a.Name != name {
			continue
		}
		if err := g.deleteArtifact(ctx, name, a.ID); err != nil {
			g.log.Warn().Err(err).Int64("artifact_id", a.ID).Msg("github: не удалось удалить старый артефакт")
		}
	}
	return nil
}

func latestLive(artifacts []artifact, name string) (artifact, bool) {
	live := make([]artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Name == name && !a.Expired {
			live = append(live, a)
		}
	}
	if len(live) == 0 {
		return artifact{}, false
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].ID > live[j].ID
		}
		return live[i].CreatedAt.After(live[j].CreatedAt)
	})
	return live[0], true
}

func (g *GitHubArtifacts) listArtifacts(ctx context.Context, name string) ([]artifact, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("per_page", "100")
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/artifacts?%s", g.cfg.APIURL, url.PathEscape(g.cfg.Owner), url.PathEscape(g.cfg.Repo), q.Encode())

	start := time.Now()
	body, err := g.do(ctx, http.MethodGet, endpoint, nil, "")
	metrics.ObserveNetworkRequest("github", "list_artifacts", name, start, err)
	if err != nil {
		return nil, err
	}
	var list artifactList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("github: разбор списка артефактов: %w", err)
	}
	return list.Artifacts, nil
}

func (g *GitHubArtifacts) downloadArchive(ctx context.Context, name, archiveURL string) ([]byte, error) {
	start := time.Now()
	body, err := g.do(ctx, http.MethodGet, archiveURL, nil, "")
	metrics.ObserveNetworkRequest("github", "download_artifact", name, start, err)
	return body, err
}

func (g *GitHubArtifacts) uploadArchive(ctx context.Context, name string, payload []byte) error {
	q := url.Values{}
	q.Set("name", name)
	q.Set("size", strconv.Itoa(len(payload)))
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/artifacts?%s", g.cfg.UploadsURL, url.PathEscape(g.cfg.Owner), url.PathEscape(g.cfg.Repo), q.Encode())

	start := time.Now()
	_, err := g.do(ctx, http.MethodPost, endpoint, payload, "application/zip")
	metrics.ObserveNetworkRequest("github", "upload_artifact", name, start, err)
	return err
}

func (g *GitHubArtifacts) deleteArtifact(ctx context.Context, name string, id int64) error {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/artifacts/%d", g.cfg.APIURL, url.PathEscape(g.cfg.Owner), url.PathEscape(g.cfg.Repo), id)
	start := time.Now()
	_, err := g.do(ctx, http.MethodDelete, endpoint, nil, "")
	metrics.ObserveNetworkRequest("github", "delete_artifact", name, start, err)
	return err
}

func (g *GitHubArtifacts) do(ctx context.Context, method, endpoint string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("github: создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Accept", githubAccept)
	req.Header.Set("User-Agent", githubUserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("github: чтение ответа: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("github: %s %s: статус %d: %s", method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(truncate(data, 512))))
	}
	return data, nil
}

func zipPayload(fileName string, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.CreateHeader(&zip.FileHeader{Name: fileName, Method: zip.Deflate, Modified: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// firstFile возвращает содержимое первого файла. Пустой архив даёт пустое содержимое.
func firstFile(archive []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, err
	}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	return []byte{}, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
