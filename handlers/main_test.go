// koban/handlers/main_test.go
package handlers

import (
	"bytes"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"koban/config"
	"koban/database"
	"koban/notify"
	"koban/storage"
	"koban/utils"

	"golang.org/x/crypto/bcrypt"
)

const testAdminPass = "correct-horse"

// MockApplication holds dependencies for handler tests.
type MockApplication struct {
	db     *database.DatabaseService
	store  storage.ObjectStore
	bus    *notify.Bus
	cfg    *config.Config
	logger *slog.Logger
}

func (a *MockApplication) DB() *database.DatabaseService { return a.db }
func (a *MockApplication) Logger() *slog.Logger          { return a.logger }
func (a *MockApplication) Storage() storage.ObjectStore  { return a.store }
func (a *MockApplication) Bus() *notify.Bus              { return a.bus }
func (a *MockApplication) Config() *config.Config        { return a.cfg }

// setupTestApp creates a full application stack with a test database.
func setupTestApp(t *testing.T) (*MockApplication, http.Handler) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	bus := notify.NewBus(logger)

	dir, err := os.MkdirTemp("", "koban_handler_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	dbPath := filepath.Join(dir, "test.db?_journal_mode=WAL&_foreign_keys=on")
	ds, err := database.InitDB(dbPath, logger, bus)
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}

	store, err := storage.NewLocalStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPass), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	app := &MockApplication{
		db:    ds,
		store: store,
		bus:   bus,
		cfg: &config.Config{
			AdminPassHash: string(hash),
			BumpLimit:     config.DefaultBumpLimit,
			MaxThreads:    config.DefaultMaxThreads,
		},
		logger: logger,
	}

	if utils.PosterIDSecret == "" {
		utils.PosterIDSecret = "test-secret"
	}

	t.Cleanup(func() {
		ds.Close()
		os.RemoveAll(dir)
	})

	return app, SetupRouter(app)
}

// multipartForm builds a multipart request body from plain form fields.
func multipartForm(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}
