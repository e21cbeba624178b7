package publish

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeGitHub serves the device flow and the REST endpoints the upload uses.
// Files are shared across branches so a listing of the default branch sees
// everything uploaded so far, as if each pull request had been merged.
type fakeGitHub struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	requests     int
	deviceCalls  int
	pollCalls    int
	restCalls    int
	deviceStatus int
	deviceHTML   bool
	pollBody     string
	pollStatus   int
	repoStatus   int
	rateLimited  bool
	createRefErr string
	putConflict  bool
	hideListings bool
	refs         map[string]string
	files        map[string][]byte
	pulls        map[string]string
	createdPRs   int
	authHeaders  []string
	commitMsgs   []string
	prTitles     []string
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	f := &fakeGitHub{
		t:        t,
		pollBody: `{"error":"authorization_pending"}`,
		refs:     map[string]string{"main": "abc1234def5678"},
		files:    map[string][]byte{},
		pulls:    map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/device/code", f.deviceCode)
	mux.HandleFunc("POST /login/oauth/access_token", f.accessToken)
	mux.HandleFunc("GET /repos/{owner}/{repo}", f.rest(f.getRepo))
	mux.HandleFunc("GET /repos/{owner}/{repo}/git/ref/{ref...}", f.rest(f.getRef))
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/refs", f.rest(f.createRef))
	mux.HandleFunc("GET /repos/{owner}/{repo}/branches/{branch}", f.rest(f.getBranch))
	mux.HandleFunc("GET /repos/{owner}/{repo}/contents/{path...}", f.rest(f.getContents))
	mux.HandleFunc("PUT /repos/{owner}/{repo}/contents/{path...}", f.rest(f.putContents))
	mux.HandleFunc("GET /repos/{owner}/{repo}/pulls", f.rest(f.listPulls))
	mux.HandleFunc("POST /repos/{owner}/{repo}/pulls", f.rest(f.createPull))

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func (f *fakeGitHub) totalRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeGitHub) deviceCode(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceCalls++

	if err := r.ParseForm(); err != nil || r.PostForm.Get("client_id") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	if f.deviceStatus != 0 {
		writeJSON(w, f.deviceStatus, map[string]string{"message": "slow down"})
		return
	}
	if f.deviceHTML {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>abuse detected</html>")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":      fmt.Sprintf("dev-%d", f.deviceCalls),
		"user_code":        fmt.Sprintf("USER-%04d", f.deviceCalls),
		"verification_uri": "https://github.com/login/device",
		"expires_in":       900,
		"interval":         5,
	})
}

func (f *fakeGitHub) accessToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++

	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:device_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if f.pollStatus != 0 {
		writeJSON(w, f.pollStatus, map[string]string{"message": "API rate limit exceeded"})
		return
	}
	if strings.HasPrefix(f.pollBody, "{") {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/html")
	}
	fmt.Fprint(w, f.pollBody)
}

// rest wraps the REST handlers with the bookkeeping and failure modes shared
// by every endpoint.
func (f *fakeGitHub) rest(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.restCalls++
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		rateLimited := f.rateLimited
		f.mu.Unlock()

		if rateLimited {
			w.Header().Set("X-RateLimit-Limit", "5000")
			w.Header().Set("X-RateLimit-Remaining", "0")
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "API rate limit exceeded for user."})
			return
		}
		h(w, r)
	}
}

func (f *fakeGitHub) getRepo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status := f.repoStatus
	f.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]string{"message": "Bad credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           r.PathValue("repo"),
		"full_name":      r.PathValue("owner") + "/" + r.PathValue("repo"),
		"default_branch": "main",
	})
}

func (f *fakeGitHub) getRef(w http.ResponseWriter, r *http.Request) {
	branch := strings.TrimPrefix(r.PathValue("ref"), "heads/")
	f.mu.Lock()
	sha, ok := f.refs[branch]
	f.mu.Unlock()
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ref":    "refs/heads/" + branch,
		"object": map[string]string{"sha": sha, "type": "commit"},
	})
}

func (f *fakeGitHub) getBranch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	sha, ok := f.refs[r.PathValue("branch")]
	f.mu.Unlock()
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   r.PathValue("branch"),
		"commit": map[string]string{"sha": sha},
	})
}

func (f *fakeGitHub) createRef(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	branch := strings.TrimPrefix(body.Ref, "refs/heads/")
	if f.createRefErr != "" {
		f.refs[branch] = body.SHA
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": f.createRefErr})
		return
	}
	if _, exists := f.refs[branch]; exists {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Reference already exists"})
		return
	}
	f.refs[branch] = body.SHA
	writeJSON(w, http.StatusCreated, map[string]any{
		"ref":    body.Ref,
		"object": map[string]string{"sha": body.SHA},
	})
}

func (f *fakeGitHub) getContents(w http.ResponseWriter, r *http.Request) {
	p := strings.Trim(r.PathValue("path"), "/")

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[p]; ok {
		writeJSON(w, http.StatusOK, map[string]any{"type": "file", "name": path.Base(p), "path": p})
		return
	}
	if f.hideListings {
		notFound(w)
		return
	}
	var entries []map[string]any
	for name := range f.files {
		if path.Dir(name) == p {
			entries = append(entries, map[string]any{"type": "file", "name": path.Base(name), "path": name})
		}
	}
	if len(entries) == 0 {
		notFound(w)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i]["name"].(string) < entries[j]["name"].(string) })
	writeJSON(w, http.StatusOK, entries)
}

func (f *fakeGitHub) putContents(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
		Content string `json:"content"`
		Branch  string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	p := strings.Trim(r.PathValue("path"), "/")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putConflict {
		f.files[p] = data
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": `Invalid request. "sha" wasn't supplied.`})
		return
	}
	f.files[p] = data
	f.commitMsgs = append(f.commitMsgs, body.Message)
	writeJSON(w, http.StatusCreated, map[string]any{
		"content": map[string]string{"name": path.Base(p), "path": p},
	})
}

func (f *fakeGitHub) listPulls(w http.ResponseWriter, r *http.Request) {
	head := r.URL.Query().Get("head")
	_, branch, _ := strings.Cut(head, ":")

	f.mu.Lock()
	defer f.mu.Unlock()
	out := []map[string]any{}
	if u, ok := f.pulls[branch]; ok && r.URL.Query().Get("state") == "open" {
		out = append(out, map[string]any{"number": 1, "html_url": u})
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeGitHub) createPull(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
		Head  string `json:"head"`
		Base  string `json:"base"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdPRs++
	u := fmt.Sprintf("https://github.com/%s/%s/pull/%d", r.PathValue("owner"), r.PathValue("repo"), f.createdPRs)
	f.pulls[body.Head] = u
	f.prTitles = append(f.prTitles, body.Title)
	writeJSON(w, http.StatusCreated, map[string]any{"number": f.createdPRs, "html_url": u})
}
