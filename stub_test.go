package gdwatch

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/pubsub/v1"
)

// stubHandler serves the parts of the Drive v3 and Pub/Sub v1 REST APIs used by gdwatch.
type stubHandler struct {
	mu     sync.RWMutex
	t      *testing.T
	router *mux.Router

	files       []*drive.File
	contents    map[string]string
	exports     map[string]string
	permissions map[string][]*drive.Permission
	user        *drive.User

	startPageToken string
	changePages    map[string]*drive.ChangeList
	changeFailures map[string]int
	changeRequests []string

	topics        map[string]bool
	subscriptions map[string]string
	topicStatus   int
	subStatus     int
	published     []*pubsub.PubsubMessage
}

func NewStub(t *testing.T) (*httptest.Server, *stubHandler) {
	t.Helper()
	stub := &stubHandler{
		t:              t,
		router:         mux.NewRouter(),
		contents:       make(map[string]string),
		exports:        make(map[string]string),
		permissions:    make(map[string][]*drive.Permission),
		startPageToken: "1",
		changePages:    make(map[string]*drive.ChangeList),
		changeFailures: make(map[string]int),
		topics:         make(map[string]bool),
		subscriptions:  make(map[string]string),
		user:           &drive.User{DisplayName: "Test User", EmailAddress: "test@example.com"},
	}
	stub.setupRoute()
	server := httptest.NewServer(stub)
	t.Cleanup(server.Close)
	return server, stub
}

func stubClientOptions(server *httptest.Server) []option.ClientOption {
	return []option.ClientOption{
		option.WithoutAuthentication(),
		option.WithEndpoint(server.URL),
	}
}

func (h *stubHandler) setupRoute() {
	h.router.HandleFunc("/files", h.handleFileList).Methods(http.MethodGet)
	h.router.HandleFunc("/files/{fileId}/export", h.handleExport).Methods(http.MethodGet)
	h.router.HandleFunc("/files/{fileId}/permissions", h.handlePermissions).Methods(http.MethodGet)
	h.router.HandleFunc("/files/{fileId}", h.handleFileGet).Methods(http.MethodGet)
	h.router.HandleFunc("/about", h.handleAbout).Methods(http.MethodGet)
	h.router.HandleFunc("/changes/startPageToken", h.handleStartPageToken).Methods(http.MethodGet)
	h.router.HandleFunc("/changes", h.handleChangeList).Methods(http.MethodGet)

	h.router.HandleFunc("/v1/projects/{project}/topics/{topic:[^/:]+}:publish", h.handlePublish).Methods(http.MethodPost)
	h.router.HandleFunc("/v1/projects/{project}/topics/{topic:[^/:]+}", h.handleCreateTopic).Methods(http.MethodPut)
	h.router.HandleFunc("/v1/projects/{project}/subscriptions/{subscription}", h.handleGetSubscription).Methods(http.MethodGet)
	h.router.HandleFunc("/v1/projects/{project}/subscriptions/{subscription}", h.handleCreateSubscription).Methods(http.MethodPut)
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *stubHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	require.NoError(h.t, json.NewEncoder(w).Encode(v))
}

func (h *stubHandler) AddFile(f *drive.File, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files = append(h.files, f)
	h.contents[f.Id] = content
}

func (h *stubHandler) SetExport(fileID, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exports[fileID] = content
}

func (h *stubHandler) SetPermissions(fileID string, perms ...*drive.Permission) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.permissions[fileID] = perms
}

// SetChangePage registers the response for pageToken. failures is the number
// of requests for the token that fail before the page is returned.
func (h *stubHandler) SetChangePage(pageToken string, list *drive.ChangeList, failures int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changePages[pageToken] = list
	h.changeFailures[pageToken] = failures
}

func (h *stubHandler) ChangeRequests() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.changeRequests...)
}

func (h *stubHandler) Published() []*pubsub.PubsubMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*pubsub.PubsubMessage(nil), h.published...)
}

func (h *stubHandler) findFile(id string) (*drive.File, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, f := range h.files {
		if f.Id == id {
			return f, true
		}
	}
	return nil, false
}

func (h *stubHandler) handleFileList(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	files := append([]*drive.File(nil), h.files...)
	h.mu.RUnlock()
	h.writeJSON(w, drive.FileList{Files: files})
}

func (h *stubHandler) handleFileGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["fileId"]
	f, ok := h.findFile(id)
	if !ok {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("alt") != "media" {
		h.writeJSON(w, f)
		return
	}
	if IsGoogleWorkspaceFile(f.MimeType) {
		http.Error(w, "only files with binary content can be downloaded", http.StatusForbidden)
		return
	}
	h.mu.RLock()
	content := h.contents[id]
	h.mu.RUnlock()
	w.Header().Set("Content-Type", f.MimeType)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, content)
}

func (h *stubHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["fileId"]
	h.mu.RLock()
	content, ok := h.exports[id]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "export not supported", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", r.URL.Query().Get("mimeType"))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, content)
}

func (h *stubHandler) handlePermissions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["fileId"]
	h.mu.RLock()
	perms, ok := h.permissions[id]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, drive.PermissionList{Permissions: perms})
}

func (h *stubHandler) handleAbout(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, drive.About{User: h.user})
}

func (h *stubHandler) handleStartPageToken(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	token := h.startPageToken
	h.mu.RUnlock()
	h.writeJSON(w, drive.StartPageToken{StartPageToken: token})
}

func (h *stubHandler) handleChangeList(w http.ResponseWriter, r *http.Request) {
	pageToken := r.URL.Query().Get("pageToken")
	if pageToken == "" {
		http.Error(w, "missing pageToken", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.changeRequests = append(h.changeRequests, pageToken)
	if h.changeFailures[pageToken] > 0 {
		h.changeFailures[pageToken]--
		h.mu.Unlock()
		http.Error(w, "injected failure", http.StatusBadRequest)
		return
	}
	list, ok := h.changePages[pageToken]
	h.mu.Unlock()
	if !ok {
		// nothing new since pageToken
		list = &drive.ChangeList{NewStartPageToken: pageToken}
	}
	h.writeJSON(w, list)
}

func (h *stubHandler) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/")
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topicStatus != 0 {
		http.Error(w, "injected failure", h.topicStatus)
		return
	}
	if h.topics[name] {
		http.Error(w, "Resource already exists in the project", http.StatusConflict)
		return
	}
	h.topics[name] = true
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pubsub.Topic{Name: name})
}

func (h *stubHandler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/")
	h.mu.RLock()
	topic, ok := h.subscriptions[name]
	status := h.subStatus
	h.mu.RUnlock()
	if status != 0 {
		http.Error(w, "injected failure", status)
		return
	}
	if !ok {
		http.Error(w, "Resource not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, pubsub.Subscription{Name: name, Topic: topic})
}

func (h *stubHandler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/")
	var sub pubsub.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	if _, ok := h.subscriptions[name]; ok {
		h.mu.Unlock()
		http.Error(w, "Resource already exists in the project", http.StatusConflict)
		return
	}
	h.subscriptions[name] = sub.Topic
	h.mu.Unlock()
	sub.Name = name
	h.writeJSON(w, sub)
}

func (h *stubHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req pubsub.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.published = append(h.published, req.Messages...)
	ids := make([]string, 0, len(req.Messages))
	for range req.Messages {
		ids = append(ids, "message-"+strconv.Itoa(len(h.published)-len(req.Messages)+len(ids)))
	}
	h.mu.Unlock()
	h.writeJSON(w, pubsub.PublishResponse{MessageIds: ids})
}
