// Package supabase provides a backend implementation for a hosted Supabase
// project: PostgREST for data, GoTrue for identity and the Phoenix realtime
// socket for change notifications.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"todocal/backend"
	"todocal/internal/ratelimit"
)

const (
	restPath     = "/rest/v1"
	authPath     = "/auth/v1"
	realtimePath = "/realtime/v1/websocket"

	// embedded selects a list together with its tasks
	embedded = "*,tasks(*)"

	// taskOrder sorts embedded tasks by tasks.position, a bigint identity
	// column. A bulk insert draws it in array order, so it keeps insertion
	// order where created_at (one transaction timestamp) cannot.
	taskOrder = "position.asc"
)

// Config holds Supabase connection settings
type Config struct {
	URL     string
	AnonKey string

	// Session persists the signed-in session between runs (optional)
	Session backend.SessionStore

	HTTPClient        *http.Client // Override for testing
	MaxRetries        int
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
}

// ConfigFromEnv creates a Config from environment variables
func ConfigFromEnv() Config {
	return Config{
		URL:     os.Getenv("TODOCAL_SUPABASE_URL"),
		AnonKey: os.Getenv("TODOCAL_SUPABASE_ANON_KEY"),
	}
}

// Backend implements backend.Backend against a Supabase project
type Backend struct {
	config  Config
	baseURL string
	base    *http.Client
	rest    *ratelimit.Client // requests carry the user's bearer token
	auth    *ratelimit.Client // requests carry only the project key

	mu    sync.Mutex
	token *oauth2.Token
	user  *backend.User
}

// New creates a new Supabase backend
func New(cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid supabase URL %q", cfg.URL)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}

	base := cfg.HTTPClient
	if base == nil {
		base = createHTTPClient()
	}

	b := &Backend{
		config:  cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		base:    base,
	}

	authorized := &http.Client{
		Timeout:   base.Timeout,
		Transport: &oauth2.Transport{Source: b, Base: base.Transport},
	}
	b.rest = ratelimit.NewClient(ratelimit.Config{
		HTTPClient:   authorized,
		MaxRetries:   cfg.MaxRetries,
		BaseDelay:    cfg.RetryDelay,
		EnableJitter: true,
		Service:      "supabase",
	})
	b.auth = ratelimit.NewClient(ratelimit.Config{
		HTTPClient:   base,
		MaxRetries:   cfg.MaxRetries,
		BaseDelay:    cfg.RetryDelay,
		EnableJitter: true,
		Service:      "supabase auth",
	})
	return b, nil
}

// createHTTPClient creates an HTTP client with proper configuration
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
	}
}

// Close releases idle connections
func (b *Backend) Close() error {
	if transport, ok := b.base.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

// =============================================================================
// Wire format
// =============================================================================

// wireTask is a tasks row as PostgREST and the realtime feed encode it
type wireTask struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	ListID    string `json:"list_id"`
	Position  int64  `json:"position,omitempty"` // assigned by the database
}

// wireList is a lists row, optionally with embedded tasks
type wireList struct {
	ID     string     `json:"id,omitempty"`
	Title  string     `json:"title"`
	Date   string     `json:"date"`
	UserID string     `json:"user_id"`
	Tasks  []wireTask `json:"tasks,omitempty"`
}

func (w wireTask) toTask() backend.Task {
	return backend.Task{ID: w.ID, Title: w.Title, Completed: w.Completed, ListID: w.ListID}
}

func (w wireList) toList() backend.List {
	l := backend.List{
		ID:     w.ID,
		Title:  w.Title,
		Date:   backend.NormalizeDate(w.Date),
		UserID: w.UserID,
		Tasks:  make([]backend.Task, 0, len(w.Tasks)),
	}
	for _, t := range w.Tasks {
		task := t.toTask()
		if task.ListID == "" {
			task.ListID = w.ID
		}
		l.Tasks = append(l.Tasks, task)
	}
	return l
}

// apiError is an error response from PostgREST or GoTrue
type apiError struct {
	Status  int        `json:"-"`
	Code    flexString `json:"code"`
	Message string     `json:"message"`
	Details string     `json:"details"`

	// GoTrue variants
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	ErrorName        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e *apiError) Error() string {
	msg := e.Message
	for _, alt := range []string{e.Msg, e.ErrorDescription, e.ErrorName} {
		if msg == "" {
			msg = alt
		}
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return msg
}

// flexString accepts a JSON string or number; GoTrue sends numeric codes
// where PostgREST sends strings like "PGRST116".
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// decodeAPIError builds an apiError from a failed response
func decodeAPIError(resp *http.Response) *apiError {
	apiErr := &apiError{}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr = &apiError{Message: strings.TrimSpace(string(body))}
	}
	apiErr.Status = resp.StatusCode
	return apiErr
}

// translate maps transport and API failures onto the backend error taxonomy
func translate(op, entity, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, backend.ErrNotSignedIn) || backend.IsNotFound(err) || backend.IsValidation(err) {
		return err
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusNotFound || apiErr.Code == "PGRST116" {
			return &backend.NotFoundError{Entity: entity, ID: id}
		}
		return &backend.RemoteError{Op: op, Status: apiErr.Status, Err: apiErr}
	}
	var rle *ratelimit.RateLimitError
	if errors.As(err, &rle) {
		return &backend.RemoteError{Op: op, Status: rle.Status, Err: rle}
	}
	return &backend.RemoteError{Op: op, Err: err}
}

// =============================================================================
// REST helpers
// =============================================================================

// doREST sends a PostgREST request and decodes a successful JSON response into out
func (b *Backend) doREST(ctx context.Context, method, table string, query url.Values, body, out any) error {
	target := b.baseURL + restPath + "/" + table
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", b.config.AnonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := b.rest.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func eq(v string) string { return "eq." + v }

// =============================================================================
// Gateway: lists
// =============================================================================

// FetchRange returns the user's lists dated within [start, end], ascending by date
func (b *Backend) FetchRange(ctx context.Context, userID, start, end string) ([]backend.List, error) {
	q := url.Values{}
	q.Set("select", embedded)
	q.Set("user_id", eq(userID))
	q.Add("date", "gte."+start)
	q.Add("date", "lte."+end)
	q.Set("order", "date.asc")
	q.Set("tasks.order", taskOrder)

	var rows []wireList
	if err := b.doREST(ctx, http.MethodGet, "lists", q, nil, &rows); err != nil {
		return nil, translate("fetchRange", "list", "", err)
	}

	lists := make([]backend.List, 0, len(rows))
	for _, row := range rows {
		lists = append(lists, row.toList())
	}
	return lists, nil
}

// CreateList creates the list and then its tasks, removing the list again
// when the tasks cannot be created
func (b *Backend) CreateList(ctx context.Context, draft backend.ListDraft, tasks []backend.TaskDraft) (*backend.List, error) {
	return b.createList(ctx, "createList", draft, tasks)
}

func (b *Backend) createList(ctx context.Context, op string, draft backend.ListDraft, tasks []backend.TaskDraft) (*backend.List, error) {
	var rows []wireList
	insert := []wireList{{Title: draft.Title, Date: draft.Date, UserID: draft.UserID}}
	if err := b.doREST(ctx, http.MethodPost, "lists", nil, insert, &rows); err != nil {
		return nil, translate(op, "list", "", err)
	}
	if len(rows) == 0 {
		return nil, &backend.RemoteError{Op: op, Err: fmt.Errorf("no data returned from insert")}
	}
	created := rows[0].toList()
	if len(tasks) == 0 {
		return &created, nil
	}

	inserts := make([]wireTask, len(tasks))
	for i, t := range tasks {
		inserts[i] = wireTask{Title: t.Title, Completed: t.Completed, ListID: created.ID}
	}
	var taskRows []wireTask
	if err := b.doREST(ctx, http.MethodPost, "tasks", nil, inserts, &taskRows); err != nil {
		// Remove the orphaned list; the task error is what the caller sees.
		q := url.Values{"id": {eq(created.ID)}}
		_ = b.doREST(context.WithoutCancel(ctx), http.MethodDelete, "lists", q, nil, nil)
		return nil, translate(op, "list", created.ID, err)
	}
	for _, row := range taskRows {
		created.Tasks = append(created.Tasks, row.toTask())
	}
	return &created, nil
}

// UpdateList changes only the provided fields
func (b *Backend) UpdateList(ctx context.Context, id string, patch backend.ListPatch) (*backend.List, error) {
	q := url.Values{}
	q.Set("id", eq(id))
	q.Set("select", embedded)
	q.Set("tasks.order", taskOrder)

	var rows []wireList
	if err := b.doREST(ctx, http.MethodPatch, "lists", q, patch, &rows); err != nil {
		return nil, translate("updateList", "list", id, err)
	}
	if len(rows) == 0 {
		return nil, &backend.NotFoundError{Entity: "list", ID: id}
	}
	l := rows[0].toList()
	return &l, nil
}

// DeleteList removes the list; the database cascades to its tasks
func (b *Backend) DeleteList(ctx context.Context, id string) error {
	q := url.Values{"id": {eq(id)}}
	return translate("deleteList", "list", id, b.doREST(ctx, http.MethodDelete, "lists", q, nil, nil))
}

// GetList returns one list with its tasks
func (b *Backend) GetList(ctx context.Context, id string) (*backend.List, error) {
	q := url.Values{}
	q.Set("id", eq(id))
	q.Set("select", embedded)
	q.Set("tasks.order", taskOrder)

	var rows []wireList
	if err := b.doREST(ctx, http.MethodGet, "lists", q, nil, &rows); err != nil {
		return nil, translate("getList", "list", id, err)
	}
	if len(rows) == 0 {
		return nil, &backend.NotFoundError{Entity: "list", ID: id}
	}
	l := rows[0].toList()
	return &l, nil
}

// DuplicateList copies a list to newDate with every task reset to not completed
func (b *Backend) DuplicateList(ctx context.Context, id, newDate string) (*backend.List, error) {
	src, err := b.GetList(ctx, id)
	if err != nil {
		return nil, err
	}

	drafts := make([]backend.TaskDraft, len(src.Tasks))
	for i, t := range src.Tasks {
		drafts[i] = backend.TaskDraft{Title: t.Title, Completed: false}
	}
	draft := backend.ListDraft{Title: backend.CopyTitle(src.Title), Date: newDate, UserID: src.UserID}
	return b.createList(ctx, "duplicateList", draft, drafts)
}

// =============================================================================
// Gateway: tasks
// =============================================================================

// CreateTask appends a task to a list
func (b *Backend) CreateTask(ctx context.Context, listID, title string) (*backend.Task, error) {
	var rows []wireTask
	insert := []wireTask{{Title: title, Completed: false, ListID: listID}}
	err := b.doREST(ctx, http.MethodPost, "tasks", nil, insert, &rows)

	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == "23503" {
		// foreign key violation: the list is gone
		return nil, &backend.NotFoundError{Entity: "list", ID: listID}
	}
	if err != nil {
		return nil, translate("createTask", "list", listID, err)
	}
	if len(rows) == 0 {
		return nil, &backend.RemoteError{Op: "createTask", Err: fmt.Errorf("no data returned from insert")}
	}
	t := rows[0].toTask()
	return &t, nil
}

// UpdateTask changes only the provided fields
func (b *Backend) UpdateTask(ctx context.Context, id string, patch backend.TaskPatch) (*backend.Task, error) {
	q := url.Values{"id": {eq(id)}}

	var rows []wireTask
	if err := b.doREST(ctx, http.MethodPatch, "tasks", q, patch, &rows); err != nil {
		return nil, translate("updateTask", "task", id, err)
	}
	if len(rows) == 0 {
		return nil, &backend.NotFoundError{Entity: "task", ID: id}
	}
	t := rows[0].toTask()
	return &t, nil
}

// DeleteTask removes a task
func (b *Backend) DeleteTask(ctx context.Context, id string) error {
	q := url.Values{"id": {eq(id)}}
	return translate("deleteTask", "task", id, b.doREST(ctx, http.MethodDelete, "tasks", q, nil, nil))
}

// Verify interface compliance at compile time
var _ backend.Backend = (*Backend)(nil)
