package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// stubHandler is a no-op gRPC handler used in interceptor tests.
func stubHandler(_ context.Context, _ any) (any, error) {
	return "ok", nil
}

const protectedMethod = "/indexsync.v1.Admin/Suspend"

func TestAuthInterceptor(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		method string
		md     metadata.MD // nil means no incoming metadata
		ok     bool
	}{
		{"disabled", "", protectedMethod, nil, true},
		{"health exempt", "secret", "/grpc.health.v1.Health/Check", nil, true},
		{"missing metadata", "secret", protectedMethod, nil, false},
		{"missing header", "secret", protectedMethod, metadata.Pairs("other", "value"), false},
		{"wrong token", "secret", protectedMethod, metadata.Pairs("authorization", "Bearer wrong"), false},
		{"invalid scheme", "secret", protectedMethod, metadata.Pairs("authorization", "Basic secret"), false},
		{"correct token", "secret", protectedMethod, metadata.Pairs("authorization", "Bearer secret"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			resp, err := AuthInterceptor(tt.token)(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, stubHandler)
			if tt.ok {
				if err != nil || resp != "ok" {
					t.Fatalf("expected pass-through, got %v, %v", resp, err)
				}
				return
			}
			if status.Code(err) != codes.Unauthenticated {
				t.Fatalf("expected Unauthenticated, got %v", err)
			}
		})
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	panicking := func(context.Context, any) (any, error) { panic("boom") }
	_, err := RecoveryInterceptor(logger)(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: protectedMethod}, panicking)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if !strings.Contains(buf.String(), "rpc: panic recovered") {
		t.Fatalf("panic not logged: %q", buf.String())
	}
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	failing := func(context.Context, any) (any, error) { return nil, errors.New("nope") }
	_, err := LoggingInterceptor(logger)(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: protectedMethod}, failing)
	if err == nil {
		t.Fatal("expected the handler error to pass through")
	}
	if !strings.Contains(buf.String(), "level=ERROR") || !strings.Contains(buf.String(), protectedMethod) {
		t.Fatalf("log output = %q", buf.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		token  string
		method string
		path   string
		header string
		want   int
	}{
		{"disabled", "", http.MethodGet, "/v1/tenants", "", http.StatusOK},
		{"health exempt", "secret", http.MethodGet, "/v1/health", "", http.StatusOK},
		{"no header", "secret", http.MethodGet, "/v1/tenants", "", http.StatusUnauthorized},
		{"wrong token", "secret", http.MethodGet, "/v1/tenants", "Bearer wrong", http.StatusUnauthorized},
		{"invalid scheme", "secret", http.MethodGet, "/v1/tenants", "Basic secret", http.StatusUnauthorized},
		{"correct token", "secret", http.MethodPost, "/v1/tenants/default/suspend", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(tt.token, ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				body, _ := io.ReadAll(rec.Body)
				t.Fatalf("expected %d, got %d; body: %s", tt.want, rec.Code, body)
			}
		})
	}
}
