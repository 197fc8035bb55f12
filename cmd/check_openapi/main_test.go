package main

import (
	"strings"
	"testing"

	"rerhythm/internal/server"
)

func TestRepositorySpecMatchesRoutes(t *testing.T) {
	doc, err := loadDoc("../../api/openapi.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := check(doc, server.Routes); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestCheckReportsDrift(t *testing.T) {
	doc, err := loadDoc("../../api/openapi.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	routes := append([]server.Route{{Method: "GET", Path: "/extra"}}, server.Routes[1:]...)
	err = check(doc, routes)
	if err == nil {
		t.Fatalf("expected drift error")
	}
	if !strings.Contains(err.Error(), "undocumented: GET /extra") || !strings.Contains(err.Error(), "not served: GET /") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateErrorResponse(t *testing.T) {
	ok := schema{Type: "object", Required: []string{"error"}, Properties: map[string]schema{"error": {Type: "string"}}}
	if err := validateErrorResponse(ok); err != nil {
		t.Fatalf("expected valid schema: %v", err)
	}
	missing := schema{Type: "object", Properties: map[string]schema{"error": {Type: "string"}}}
	if err := validateErrorResponse(missing); err == nil {
		t.Fatalf("expected missing required to fail")
	}
	extra := schema{Type: "object", Required: []string{"error"}, Properties: map[string]schema{"error": {Type: "string"}, "code": {Type: "string"}}}
	if err := validateErrorResponse(extra); err == nil {
		t.Fatalf("expected extra property to fail")
	}
}
