package app

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"jobwatch/config"
	"jobwatch/models"
	"jobwatch/senders"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := regexp.MustCompile(`[^a-zA-Z0-9]`).ReplaceAllString(t.Name(), "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.Category{},
		&models.Job{},
		&models.Subscriber{},
		&models.Notification{},
		&models.ScrapeLog{},
	))
	return db
}

func newTestConfig(baseURL string) *config.Config {
	cfg := &config.Config{
		ServerDNS:                "http://localhost:8080",
		SourceBaseURL:            baseURL,
		RequestTimeout:           5 * time.Second,
		EnrichWorkers:            2,
		EnrichMinInterval:        time.Millisecond,
		MaxEmailBatchSize:        50,
		MaxCategoriesPerUser:     10,
		VerificationTokenTTL:     24 * time.Hour,
		NotifyUnverifiedTelegram: true,
	}
	return cfg
}

func newTestSource(cfg *config.Config) *SourceClient {
	return &SourceClient{cfg: cfg, log: zap.NewNop(), transport: http.DefaultTransport}
}

// countingServer serves fixed HTML and counts requests, so tests can assert
// how many fetches a code path issued.
type countingServer struct {
	*httptest.Server

	mu         sync.Mutex
	body       string
	status     int
	requests   int
	times      []time.Time
	afterN     int
	afterBody  string
	afterState int
}

func newCountingServer(t *testing.T, body string) *countingServer {
	t.Helper()

	cs := &countingServer{body: body, status: http.StatusOK}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.requests++
		cs.times = append(cs.times, time.Now())
		body, status := cs.body, cs.status
		if cs.afterN > 0 && cs.requests > cs.afterN {
			body, status = cs.afterBody, cs.afterState
		}
		cs.mu.Unlock()

		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *countingServer) set(body string, status int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.body = body
	cs.status = status
}

// after switches the response once n requests have been served.
func (cs *countingServer) after(n int, body string, status int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.afterN = n
	cs.afterBody = body
	cs.afterState = status
}

func (cs *countingServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.requests
}

func (cs *countingServer) requestTimes() []time.Time {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]time.Time, len(cs.times))
	copy(out, cs.times)
	return out
}

// fakeDispatcher records enqueued tasks instead of delivering them.
type fakeDispatcher struct {
	mu    sync.Mutex
	tasks map[string][]*senders.Task
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{tasks: map[string][]*senders.Task{}}
}

func (f *fakeDispatcher) Enqueue(channel string, task *senders.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[channel] = append(f.tasks[channel], task)
	return nil
}

func (f *fakeDispatcher) channelTasks(channel string) []*senders.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[channel]
}

func listingPage(rows ...string) string {
	page := `<html><body><table><tbody data-filter="collection">`
	for _, row := range rows {
		page += row
	}
	return page + `</tbody></table></body></html>`
}

func listingRow(href, title string) string {
	return fmt.Sprintf(
		`<tr class="project-row"><td><h2><a href="%s">%s</a></h2></td></tr>`,
		href, title,
	)
}
