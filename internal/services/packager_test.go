package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/docsetpackager/internal/gcp"
	"github.com/Lllllllleong/docsetpackager/internal/messaging"
	"github.com/Lllllllleong/docsetpackager/internal/models"
	"github.com/Lllllllleong/docsetpackager/internal/repository"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memberTemplate = `@prefix pcdm: <http://pcdm.org/models#> .
@prefix ebucore: <http://www.ebu.ch/metadata/ontologies/ebucore/ebucore#> .

<%[1]s/thesis/%[2]s> pcdm:hasFile <%[1]s/files/%[3]s>, <%[1]s/files/%[2]s-readme> .
<%[1]s/files/%[3]s> ebucore:hasMimeType "application/pdf" .
<%[1]s/files/%[2]s-readme> ebucore:hasMimeType "text/plain" .
`

// world fakes the repository, the token endpoint and the storage API.
type world struct {
	repo    *httptest.Server
	storage *httptest.Server
	token   *httptest.Server

	mu             sync.Mutex
	metadata       map[string]string
	files          map[string]string
	storageMethods []string
	uploaded       []byte
	transferStatus int
	tokenCalls     int
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		metadata:       map[string]string{},
		files:          map[string]string{},
		transferStatus: http.StatusOK,
	}
	w.repo = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		defer w.mu.Unlock()
		switch {
		case r.URL.Path == "/api/docset/D":
			_, _ = io.WriteString(rw, `{"members":[{"ref":"123"},{"ref":"456"}]}`)
		case strings.HasPrefix(r.URL.Path, "/thesis/"):
			body, ok := w.metadata[strings.TrimPrefix(r.URL.Path, "/thesis/")]
			if !ok {
				http.NotFound(rw, r)
				return
			}
			_, _ = io.WriteString(rw, body)
		case strings.HasPrefix(r.URL.Path, "/files/"):
			body, ok := w.files[strings.TrimPrefix(r.URL.Path, "/files/")]
			if !ok {
				http.NotFound(rw, r)
				return
			}
			_, _ = io.WriteString(rw, body)
		default:
			http.NotFound(rw, r)
		}
	}))
	w.token = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		w.tokenCalls++
		w.mu.Unlock()
		_, _ = io.WriteString(rw, `{"access_token":"good job!"}`)
	}))
	w.storage = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		defer w.mu.Unlock()
		w.storageMethods = append(w.storageMethods, r.Method)
		switch r.Method {
		case http.MethodPost:
			rw.Header().Set("Location", w.storage.URL+"/b/foo/o?upload_id=1")
		case http.MethodPut:
			if w.transferStatus == http.StatusOK {
				w.uploaded = body
			}
			rw.WriteHeader(w.transferStatus)
		}
	}))
	t.Cleanup(func() {
		w.repo.Close()
		w.storage.Close()
		w.token.Close()
	})

	w.addMember("123", "u1", "%PDF bytes of u1")
	w.addMember("456", "u2", "%PDF bytes of u2")
	return w
}

func (w *world) addMember(id, file, content string) {
	w.metadata[id] = fmt.Sprintf(memberTemplate, w.repo.URL, id, file)
	w.files[file] = content
	w.files[id+"-readme"] = "plain text"
}

func (w *world) docset() string {
	return w.repo.URL + "/api/docset/D"
}

type reply struct {
	Destination string
	Body        string
}

type recordingPublisher struct {
	mu      sync.Mutex
	replies []reply
}

func (p *recordingPublisher) Publish(_ context.Context, destination string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, reply{Destination: destination, Body: string(body)})
	return nil
}

func (p *recordingPublisher) bodies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, r := range p.replies {
		out = append(out, r.Body)
	}
	return out
}

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func newTestPackager(t *testing.T, w *world, replies messaging.Publisher, mutate func(*PackagerConfig)) (*Packager, string) {
	t.Helper()
	auth, err := gcp.NewAuthProvider(gcp.AuthConfig{
		TokenURL: w.token.URL,
		Issuer:   "svc@example.com",
		Scopes:   []string{"scope"},
	}, testKeyPEM(t), nil)
	require.NoError(t, err)
	uploader, err := gcp.NewUploadClient(gcp.NewSession(auth, nil), gcp.UploadConfig{
		StorageURL: w.storage.URL,
		UploadURL:  w.storage.URL,
		Bucket:     "foo",
	})
	require.NoError(t, err)
	resolver := repository.NewResolver(http.DefaultClient, repository.ResolverConfig{RepositoryURL: w.repo.URL + "/thesis/"})

	tempDir := t.TempDir()
	cfg := PackagerConfig{
		ReplyPrefix: "/topic/package/",
		MimeType:    "application/pdf",
		Extension:   "pdf",
		TempDir:     tempDir,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPackager(resolver, uploader, replies, cfg)
	require.NoError(t, err)
	return p, tempDir
}

func assertNoArchiveLeft(t *testing.T, dir string) {
	t.Helper()
	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left, "temporary files remain in %s", dir)
}

func unzip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(body)
	}
	return out
}

func TestHandleMessagePackagesAndUploadsDocset(t *testing.T) {
	w := newWorld(t)
	replies := &recordingPublisher{}
	p, tempDir := newTestPackager(t, w, replies, nil)

	p.HandleMessage(context.Background(), []byte("  "+w.docset()+"\n"))

	require.Len(t, replies.replies, 2)
	assert.Equal(t, "/topic/package/D", replies.replies[0].Destination)
	assert.Equal(t, "Accepted.", replies.replies[0].Body)

	assert.Equal(t, map[string]string{
		"123.pdf": "%PDF bytes of u1",
		"456.pdf": "%PDF bytes of u2",
	}, unzip(t, w.uploaded))

	complete := replies.replies[1]
	assert.Equal(t, "/topic/package/D", complete.Destination)
	assert.Regexp(t, `^Complete: `+w.storage.URL+`/b/foo/o/[0-9a-f-]{36}\.zip\nSize: \d+$`, complete.Body)
	assert.True(t, strings.HasSuffix(complete.Body, fmt.Sprintf("\nSize: %d", len(w.uploaded))))

	assert.Equal(t, []string{http.MethodPost, http.MethodPut}, w.storageMethods)
	assert.Equal(t, 1, w.tokenCalls)
	assertNoArchiveLeft(t, tempDir)
}

func TestHandleMessageAcceptsJSONEnvelope(t *testing.T) {
	w := newWorld(t)
	replies := &recordingPublisher{}
	p, _ := newTestPackager(t, w, replies, nil)

	p.HandleMessage(context.Background(), []byte(fmt.Sprintf(`{"docset": %q}`, w.docset())))

	bodies := replies.bodies()
	require.Len(t, bodies, 2)
	assert.True(t, strings.HasPrefix(bodies[1], "Complete: "))
}

func TestHandleMessageUploadFailure(t *testing.T) {
	w := newWorld(t)
	w.transferStatus = http.StatusInternalServerError
	replies := &recordingPublisher{}
	p, tempDir := newTestPackager(t, w, replies, nil)

	p.HandleMessage(context.Background(), []byte(w.docset()))

	assert.Equal(t, []string{"Accepted."}, replies.bodies())
	assert.Equal(t, []string{http.MethodPost, http.MethodPut}, w.storageMethods)
	assertNoArchiveLeft(t, tempDir)
}

func TestProcessUploadFailureIsUploadFailed(t *testing.T) {
	w := newWorld(t)
	w.transferStatus = http.StatusBadGateway
	p, tempDir := newTestPackager(t, w, &recordingPublisher{}, nil)

	req := models.DocsetRequest{Docset: w.docset(), ReplyTo: "/topic/package/D"}
	_, err := p.Process(context.Background(), discardLogger(), req)

	require.Error(t, err)
	assert.True(t, errors.Is(err, gcp.ErrUploadFailed))
	assertNoArchiveLeft(t, tempDir)
}

func TestProcessMalformedMetadataFailsBeforeArchive(t *testing.T) {
	w := newWorld(t)
	w.metadata["456"] = `@prefix pcdm: <http://pcdm.org/models#> .
<` + w.repo.URL + `/thesis/456> pcdm:hasFile <` + w.repo.URL + `/files/u2> .
`
	replies := &recordingPublisher{}
	p, tempDir := newTestPackager(t, w, replies, nil)

	req := models.DocsetRequest{Docset: w.docset(), ReplyTo: "/topic/package/D"}
	_, err := p.Process(context.Background(), discardLogger(), req)

	var malformed *models.MalformedMetadataError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, "456", malformed.DocumentID)
	assert.Empty(t, w.storageMethods)
	assertNoArchiveLeft(t, tempDir)
}

func TestHandleMessageResolutionFailureSendsNoFurtherReply(t *testing.T) {
	w := newWorld(t)
	delete(w.metadata, "456")
	replies := &recordingPublisher{}
	p, tempDir := newTestPackager(t, w, replies, nil)

	p.HandleMessage(context.Background(), []byte(w.docset()))

	assert.Equal(t, []string{"Accepted."}, replies.bodies())
	assert.Empty(t, w.storageMethods)
	assert.Zero(t, w.tokenCalls)
	assertNoArchiveLeft(t, tempDir)
}

func TestHandleMessageBuildFailure(t *testing.T) {
	w := newWorld(t)
	delete(w.files, "u2")
	replies := &recordingPublisher{}
	p, tempDir := newTestPackager(t, w, replies, nil)

	p.HandleMessage(context.Background(), []byte(w.docset()))

	assert.Equal(t, []string{"Accepted."}, replies.bodies())
	assert.Empty(t, w.storageMethods)
	assertNoArchiveLeft(t, tempDir)
}

func TestHandleMessageNotifiesFailureWhenEnabled(t *testing.T) {
	w := newWorld(t)
	w.transferStatus = http.StatusInternalServerError
	replies := &recordingPublisher{}
	p, _ := newTestPackager(t, w, replies, func(cfg *PackagerConfig) { cfg.NotifyFailure = true })

	p.HandleMessage(context.Background(), []byte(w.docset()))

	assert.Equal(t, []string{"Accepted.", "Failed: " + w.docset()}, replies.bodies())
}

func TestHandleMessageValidatesPDFsWhenEnabled(t *testing.T) {
	w := newWorld(t)
	replies := &recordingPublisher{}
	p, tempDir := newTestPackager(t, w, replies, func(cfg *PackagerConfig) { cfg.ValidatePDF = true })

	p.HandleMessage(context.Background(), []byte(w.docset()))

	assert.Equal(t, []string{"Accepted."}, replies.bodies())
	assert.Empty(t, w.storageMethods)
	assertNoArchiveLeft(t, tempDir)
}

func TestHandleMessageIgnoresEmptyPayload(t *testing.T) {
	w := newWorld(t)
	replies := &recordingPublisher{}
	p, _ := newTestPackager(t, w, replies, nil)

	p.HandleMessage(context.Background(), []byte("   "))

	assert.Empty(t, replies.bodies())
}

func TestPackagerOverMemoryBroker(t *testing.T) {
	w := newWorld(t)
	broker := messaging.NewMemoryBroker(nil)
	defer broker.Close()
	p, tempDir := newTestPackager(t, w, broker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := broker.Messages(ctx, "/topic/package/D", 4)
	require.NoError(t, err)

	p.HandleMessage(ctx, []byte(w.docset()))

	var got []string
	for len(got) < 2 {
		select {
		case body := <-out:
			got = append(got, string(body))
		case <-time.After(5 * time.Second):
			t.Fatalf("expected two replies, got %q", got)
		}
	}
	assert.Equal(t, "Accepted.", got[0])
	assert.True(t, strings.HasPrefix(got[1], "Complete: "))
	assertNoArchiveLeft(t, tempDir)
}
