package tests

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/messaging"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SetupTestDB spins up a fresh single node replica set and returns the database
// connection along with a cleanup function. Transactions need the replica set.
func SetupTestDB(t *testing.T) (*mongo.Database, func()) {
	ctx := context.Background()

	mongodbContainer, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
	if err != nil {
		t.Fatalf("failed to start container: %s", err)
	}

	endpoint, err := mongodbContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get connection string: %s", err)
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint).SetDirect(true))
	if err != nil {
		t.Fatalf("failed to connect to mongo: %v", err)
	}

	return mongoClient.Database("test_db"), func() {
		if err := mongoClient.Disconnect(ctx); err != nil {
			log.Printf("failed to disconnect mongo: %v", err)
		}
		if err := mongodbContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate container: %v", err)
		}
	}
}

// MockAuthClient implements middleware.AuthClient for testing
type MockAuthClient struct {
	// Key: ID Token provided in header
	// Value: *auth.Token (what VerifyIDToken returns)
	ValidTokens map[string]*auth.Token
}

func NewMockAuthClient() *MockAuthClient {
	return &MockAuthClient{
		ValidTokens: make(map[string]*auth.Token),
	}
}

func (m *MockAuthClient) VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error) {
	if token, ok := m.ValidTokens[idToken]; ok {
		return token, nil
	}
	return nil, fmt.Errorf("invalid mock token")
}

// Helper to create a mock token
func (m *MockAuthClient) AddMockUser(tokenString string, uid string, email string) {
	m.ValidTokens[tokenString] = &auth.Token{
		UID: uid,
		Claims: map[string]interface{}{
			"email": email,
		},
	}
}

// FakePlayServer serves subscriptionsv2.get responses keyed by purchase token
type FakePlayServer struct {
	*httptest.Server

	mu       sync.Mutex
	payloads map[string]string
	calls    int
}

func NewFakePlayServer(t *testing.T) *FakePlayServer {
	f := &FakePlayServer{payloads: make(map[string]string)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// Set replaces the payload returned for token
func (f *FakePlayServer) Set(token, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[token] = payload
}

func (f *FakePlayServer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakePlayServer) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	token := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	w.Header().Set("Content-Type", "application/json")
	payload, ok := f.payloads[token]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"The purchase token was not found."}}`))
		return
	}
	_, _ = w.Write([]byte(payload))
}

// MockMessaging records multicast sends and reports every token delivered
type MockMessaging struct {
	mu      sync.Mutex
	Batches [][]string
}

func (m *MockMessaging) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Batches = append(m.Batches, append([]string(nil), msg.Tokens...))

	resp := &messaging.BatchResponse{SuccessCount: len(msg.Tokens)}
	for range msg.Tokens {
		resp.Responses = append(resp.Responses, &messaging.SendResponse{Success: true})
	}
	return resp, nil
}

func (m *MockMessaging) Sent() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.Batches...)
}
