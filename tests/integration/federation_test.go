package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mikepea/circled/pkg/circled/auth"
	"github.com/mikepea/circled/pkg/circled/circles"
	"github.com/mikepea/circled/pkg/circled/clock"
	"github.com/mikepea/circled/pkg/circled/conflict"
	"github.com/mikepea/circled/pkg/circled/database"
	"github.com/mikepea/circled/pkg/circled/events"
	"github.com/mikepea/circled/pkg/circled/federation"
	"github.com/mikepea/circled/pkg/circled/inherit"
	"github.com/mikepea/circled/pkg/circled/items"
	"github.com/mikepea/circled/pkg/circled/models"
	"github.com/mikepea/circled/pkg/circled/store"
	"github.com/mikepea/circled/pkg/circled/transport"
	"gorm.io/gorm"
)

const federationSecret = "integration-test-secret"

// instance is one fully wired node: its own database, engine, dispatcher,
// and HTTP server, federating with peers over real signed HTTP.
type instance struct {
	name      string
	db        *gorm.DB
	store     *store.Store
	engine    *inherit.Engine
	conflicts *conflict.Manager
	server    *httptest.Server
	router    *gin.Engine
}

// startInstance mirrors the wiring in cmd/circled-server/main.go. All
// instances share one resolver map, populated as their servers come up.
func startInstance(t *testing.T, name string, peers transport.StaticResolver) *instance {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	graph := store.New(db)
	engine := inherit.New(graph)
	conflicts := conflict.New(db, clock.Real{}, name, time.Minute)

	signer := transport.NewSigner(name, federationSecret)
	httpTransport := transport.NewHTTP(peers, signer, nil)

	registry := events.NewRegistry()
	events.RegisterBuiltin(registry)
	runtime := &events.Runtime{Store: graph, Engine: engine, Conflicts: conflicts, Instance: name}
	dispatcher := events.NewDispatcher(runtime, registry, httpTransport, nil, 5*time.Second)

	gin.SetMode(gin.TestMode)
	r := gin.New()

	federationHandler := federation.NewHandler(dispatcher)
	federationGroup := r.Group("/federation", federation.InstanceAuthMiddleware(federationSecret))
	federationHandler.RegisterRoutes(federationGroup)

	api := r.Group("/api")
	circlesHandler := circles.NewHandler(db, graph, engine, dispatcher, name)
	circlesGroup := api.Group("/circles", auth.AuthMiddleware())
	circlesHandler.RegisterRoutes(circlesGroup)
	circlesHandler.RegisterMemberRoutes(circlesGroup)

	itemsHandler := items.NewHandler(graph, engine, conflicts, dispatcher, name)
	itemsGroup := api.Group("/items", auth.AuthMiddleware())
	itemsHandler.RegisterRoutes(itemsGroup)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	peers[name] = server.URL

	return &instance{
		name: name, db: db, store: graph, engine: engine,
		conflicts: conflicts, server: server, router: r,
	}
}

func (in *instance) createUser(t *testing.T, email string) (*models.User, string) {
	user := &models.User{
		SingleID:   uuid.NewString(),
		Email:      email,
		Name:       email,
		Active:     true,
		SystemRole: models.SystemRoleUser,
	}
	if err := in.db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	token, err := auth.GenerateToken(user.ID, user.SingleID, user.Email, string(user.SystemRole))
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return user, token
}

func (in *instance) doJSON(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	in.router.ServeHTTP(resp, req)
	return resp
}

func (in *instance) createCircle(t *testing.T, token, name string) string {
	resp := in.doJSON(t, "POST", "/api/circles", token, circles.CreateCircleRequest{Name: name, Federated: true})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var out circles.DispatchResponse
	json.Unmarshal(resp.Body.Bytes(), &out)
	return out.Circle.SingleID
}

// setupFederation brings up two instances that can reach each other.
func setupFederation(t *testing.T) (*instance, *instance) {
	peers := transport.StaticResolver{}
	alpha := startInstance(t, "alpha", peers)
	beta := startInstance(t, "beta", peers)
	return alpha, beta
}

func TestMemberAddPropagatesAcrossInstances(t *testing.T) {
	alpha, beta := setupFederation(t)
	_, ownerToken := alpha.createUser(t, "owner@alpha")
	betaUser, _ := beta.createUser(t, "friend@beta")

	circleID := alpha.createCircle(t, ownerToken, "Cross-Instance Team")

	resp := alpha.doJSON(t, "POST", fmt.Sprintf("/api/circles/%s/members", circleID), ownerToken,
		circles.AddMemberRequest{SingleID: betaUser.SingleID, Instance: "beta", Name: betaUser.Name})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var out circles.DispatchResponse
	json.Unmarshal(resp.Body.Bytes(), &out)
	if out.Overall != events.OverallSuccess {
		t.Fatalf("Expected overall success, got %s: %s", out.Overall, resp.Body.String())
	}

	// Beta mirrored the circle when the event arrived.
	circle, err := beta.store.CircleBySingleID(circleID)
	if err != nil {
		t.Fatalf("Expected circle mirrored on beta: %v", err)
	}
	if circle.Instance != "alpha" {
		t.Errorf("Expected circle instance alpha, got %s", circle.Instance)
	}

	member, err := beta.store.Member(circleID, betaUser.SingleID)
	if err != nil {
		t.Fatalf("Expected member on beta: %v", err)
	}
	if member.Instance != "beta" {
		t.Errorf("Expected member instance beta, got %s", member.Instance)
	}

	// Beta's membership cache knows the beta user's path into the circle.
	memberships, err := beta.store.MembershipsOf(betaUser.SingleID)
	if err != nil {
		t.Fatalf("Failed to fetch memberships: %v", err)
	}
	if len(memberships) != 1 || memberships[0].CircleID != circleID {
		t.Errorf("Expected membership in %s on beta, got %+v", circleID, memberships)
	}
}

func TestCircleDestroyPropagates(t *testing.T) {
	alpha, beta := setupFederation(t)
	_, ownerToken := alpha.createUser(t, "owner@alpha")
	betaUser, _ := beta.createUser(t, "friend@beta")

	circleID := alpha.createCircle(t, ownerToken, "Doomed Team")
	resp := alpha.doJSON(t, "POST", fmt.Sprintf("/api/circles/%s/members", circleID), ownerToken,
		circles.AddMemberRequest{SingleID: betaUser.SingleID, Instance: "beta"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = alpha.doJSON(t, "DELETE", "/api/circles/"+circleID, ownerToken, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	if _, err := alpha.store.CircleBySingleID(circleID); err == nil {
		t.Error("Expected circle gone on alpha")
	}
	if _, err := beta.store.CircleBySingleID(circleID); err == nil {
		t.Error("Expected circle gone on beta")
	}
}

func TestItemUpdatePropagates(t *testing.T) {
	alpha, beta := setupFederation(t)
	_, ownerToken := alpha.createUser(t, "owner@alpha")
	betaUser, _ := beta.createUser(t, "friend@beta")

	circleID := alpha.createCircle(t, ownerToken, "Sync Team")
	alpha.doJSON(t, "POST", fmt.Sprintf("/api/circles/%s/members", circleID), ownerToken,
		circles.AddMemberRequest{SingleID: betaUser.SingleID, Instance: "beta"})

	resp := alpha.doJSON(t, "PUT", "/api/items/doc1", ownerToken,
		items.UpdateItemRequest{CircleID: circleID, Snapshot: "v1", Baseline: true})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	for _, in := range []*instance{alpha, beta} {
		item, err := in.conflicts.Item("doc1")
		if err != nil {
			t.Fatalf("Expected item on %s: %v", in.name, err)
		}
		if string(item.Snapshot) != "v1" {
			t.Errorf("Expected snapshot v1 on %s, got %s", in.name, item.Snapshot)
		}
	}
}

func TestAllOrNothingItemUpdateRollsBack(t *testing.T) {
	alpha, beta := setupFederation(t)
	_, ownerToken := alpha.createUser(t, "owner@alpha")
	betaUser, _ := beta.createUser(t, "friend@beta")

	circleID := alpha.createCircle(t, ownerToken, "Sync Team")
	alpha.doJSON(t, "POST", fmt.Sprintf("/api/circles/%s/members", circleID), ownerToken,
		circles.AddMemberRequest{SingleID: betaUser.SingleID, Instance: "beta"})

	resp := alpha.doJSON(t, "PUT", "/api/items/doc1", ownerToken,
		items.UpdateItemRequest{CircleID: circleID, Snapshot: "v1", Baseline: true})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	// Beta's copy diverges behind alpha's back.
	if _, err := beta.conflicts.CommitItem("doc1", []byte("divergent")); err != nil {
		t.Fatalf("Failed to diverge beta: %v", err)
	}

	// An all-or-nothing update from alpha hits the conflict on beta; alpha
	// must undo its own already applied copy.
	resp = alpha.doJSON(t, "PUT", "/api/items/doc1", ownerToken, items.UpdateItemRequest{
		CircleID:     circleID,
		Snapshot:     "v2",
		PrevChecksum: conflict.Checksum([]byte("v1")),
		AllOrNothing: true,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var outcome events.Outcome
	json.Unmarshal(resp.Body.Bytes(), &outcome)
	if outcome.Overall != events.OverallFailed {
		t.Fatalf("Expected overall failed, got %s: %s", outcome.Overall, resp.Body.String())
	}

	item, err := alpha.conflicts.Item("doc1")
	if err != nil {
		t.Fatalf("Failed to fetch alpha item: %v", err)
	}
	if string(item.Snapshot) != "v1" {
		t.Errorf("Expected alpha restored to v1, got %s", item.Snapshot)
	}

	item, err = beta.conflicts.Item("doc1")
	if err != nil {
		t.Fatalf("Failed to fetch beta item: %v", err)
	}
	if string(item.Snapshot) != "divergent" {
		t.Errorf("Expected beta untouched, got %s", item.Snapshot)
	}
}

func TestNormalSeverityToleratesUnreachablePeer(t *testing.T) {
	alpha, beta := setupFederation(t)
	_, ownerToken := alpha.createUser(t, "owner@alpha")
	betaUser, _ := beta.createUser(t, "friend@beta")

	circleID := alpha.createCircle(t, ownerToken, "Resilient Team")
	resp := alpha.doJSON(t, "POST", fmt.Sprintf("/api/circles/%s/members", circleID), ownerToken,
		circles.AddMemberRequest{SingleID: betaUser.SingleID, Instance: "beta"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}

	// Beta goes down; adding another member still succeeds locally.
	beta.server.Close()

	localUser, _ := alpha.createUser(t, "second@alpha")
	resp = alpha.doJSON(t, "POST", fmt.Sprintf("/api/circles/%s/members", circleID), ownerToken,
		circles.AddMemberRequest{SingleID: localUser.SingleID})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var out circles.DispatchResponse
	json.Unmarshal(resp.Body.Bytes(), &out)
	if out.Overall != events.OverallPartialSuccess {
		t.Fatalf("Expected partial success, got %s: %s", out.Overall, resp.Body.String())
	}

	if _, err := alpha.store.Member(circleID, localUser.SingleID); err != nil {
		t.Errorf("Expected local member despite unreachable peer: %v", err)
	}
}
