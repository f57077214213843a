package items

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/circled/pkg/circled/auth"
	"github.com/mikepea/circled/pkg/circled/clock"
	"github.com/mikepea/circled/pkg/circled/conflict"
	"github.com/mikepea/circled/pkg/circled/database"
	"github.com/mikepea/circled/pkg/circled/events"
	"github.com/mikepea/circled/pkg/circled/inherit"
	"github.com/mikepea/circled/pkg/circled/models"
	"github.com/mikepea/circled/pkg/circled/store"
	"gorm.io/gorm"
)

type okTransport struct{}

func (okTransport) Send(ctx context.Context, instance string, ev *events.Event) (*events.Response, error) {
	return &events.Response{Status: events.StatusOK}, nil
}

func (okTransport) Rollback(ctx context.Context, instance, eventID string) (*events.Response, error) {
	return &events.Response{Status: events.StatusOK}, nil
}

type testServer struct {
	router    *gin.Engine
	db        *gorm.DB
	conflicts *conflict.Manager
	token     string
	circleID  string
}

func setupTestServer(t *testing.T) *testServer {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	models.AutoMigrate(db)

	s := store.New(db)
	engine := inherit.New(s)
	conflicts := conflict.New(db, clock.Real{}, "alpha", time.Minute)
	rt := &events.Runtime{Store: s, Engine: engine, Conflicts: conflicts, Instance: "alpha"}
	registry := events.NewRegistry()
	events.RegisterBuiltin(registry)
	dispatcher := events.NewDispatcher(rt, registry, okTransport{}, nil, time.Second)

	user := &models.User{
		SingleID: "u1", Email: "user@example.com", Name: "User",
		Active: true, SystemRole: models.SystemRoleUser,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	token, err := auth.GenerateToken(user.ID, user.SingleID, user.Email, string(user.SystemRole))
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if err := s.CreateCircle(&models.Circle{SingleID: "c1", Name: "Team", Instance: "alpha"}); err != nil {
		t.Fatalf("Failed to create circle: %v", err)
	}
	if err := s.AddMember(&models.Member{
		CircleID: "c1", SingleID: "u1",
		Type: models.TypeUser, Level: models.LevelOwner, Status: models.StatusMember,
		Instance: "alpha",
	}); err != nil {
		t.Fatalf("Failed to add owner: %v", err)
	}
	if err := engine.RebuildCircle("c1"); err != nil {
		t.Fatalf("Failed to rebuild circle: %v", err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewHandler(s, engine, conflicts, dispatcher, "alpha")
	group := r.Group("/api/items", auth.AuthMiddleware())
	handler.RegisterRoutes(group)
	return &testServer{router: r, db: db, conflicts: conflicts, token: token, circleID: "c1"}
}

func (ts *testServer) put(t *testing.T, itemID string, body UpdateItemRequest) *httptest.ResponseRecorder {
	jsonBody, _ := json.Marshal(body)
	req, _ := http.NewRequest("PUT", "/api/items/"+itemID, bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ts.token)
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)
	return resp
}

func (ts *testServer) get(t *testing.T, itemID string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", "/api/items/"+itemID, nil)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	resp := httptest.NewRecorder()
	ts.router.ServeHTTP(resp, req)
	return resp
}

func TestUpdateAndGetItem(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.put(t, "doc1", UpdateItemRequest{CircleID: ts.circleID, Snapshot: "v1", Baseline: true})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = ts.get(t, "doc1")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var item ItemResponse
	json.Unmarshal(resp.Body.Bytes(), &item)
	if string(item.Snapshot) != "v1" {
		t.Errorf("Expected snapshot v1, got %s", item.Snapshot)
	}
	if item.Checksum != conflict.Checksum([]byte("v1")) {
		t.Errorf("Unexpected checksum %s", item.Checksum)
	}
}

func TestGetUnknownItem(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.get(t, "ghost")
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.Code)
	}
}

func TestUpdateWithValidSuccession(t *testing.T) {
	ts := setupTestServer(t)

	ts.put(t, "doc1", UpdateItemRequest{CircleID: ts.circleID, Snapshot: "v1", Baseline: true})

	resp := ts.put(t, "doc1", UpdateItemRequest{
		CircleID:     ts.circleID,
		Snapshot:     "v2",
		PrevChecksum: conflict.Checksum([]byte("v1")),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	item, err := ts.conflicts.Item("doc1")
	if err != nil {
		t.Fatalf("Failed to fetch item: %v", err)
	}
	if string(item.Snapshot) != "v2" {
		t.Errorf("Expected snapshot v2, got %s", item.Snapshot)
	}
}

func TestUpdateWithStaleChecksumConflicts(t *testing.T) {
	ts := setupTestServer(t)

	ts.put(t, "doc1", UpdateItemRequest{CircleID: ts.circleID, Snapshot: "v1", Baseline: true})

	resp := ts.put(t, "doc1", UpdateItemRequest{
		CircleID:     ts.circleID,
		Snapshot:     "v2",
		PrevChecksum: conflict.Checksum([]byte("not-v1")),
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}

	// The rejected update left the stored item untouched.
	item, err := ts.conflicts.Item("doc1")
	if err != nil {
		t.Fatalf("Failed to fetch item: %v", err)
	}
	if string(item.Snapshot) != "v1" {
		t.Errorf("Expected snapshot v1, got %s", item.Snapshot)
	}
}

func TestUpdateLockedItem(t *testing.T) {
	ts := setupTestServer(t)

	if _, err := ts.conflicts.AcquireLock("doc1"); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	resp := ts.put(t, "doc1", UpdateItemRequest{CircleID: ts.circleID, Snapshot: "v1", Baseline: true})
	if resp.Code != http.StatusLocked {
		t.Errorf("Expected status 423, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestUpdateRequiresCircleMembership(t *testing.T) {
	ts := setupTestServer(t)

	// A circle the caller has no path into reads as not found.
	s := store.New(ts.db)
	if err := s.CreateCircle(&models.Circle{SingleID: "c2", Name: "Other", Instance: "alpha"}); err != nil {
		t.Fatalf("Failed to create circle: %v", err)
	}

	resp := ts.put(t, "doc1", UpdateItemRequest{CircleID: "c2", Snapshot: "v1", Baseline: true})
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d: %s", resp.Code, resp.Body.String())
	}
}
