package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestShippedDocumentPasses(t *testing.T) {
	doc, err := loadDoc(filepath.Join("..", "..", defaultDocPath))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := checkDoc(doc); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestCheckDocReportsMissingRoute(t *testing.T) {
	doc := loadFixture(t, strings.Replace(fixtureDoc, "  /api/messages:\n    post: {}\n", "", 1))
	err := checkDoc(doc)
	if err == nil || !strings.Contains(err.Error(), "missing path /api/messages") {
		t.Fatalf("expected missing path error, got %v", err)
	}
}

func TestCheckDocReportsMissingMethod(t *testing.T) {
	doc := loadFixture(t, strings.Replace(fixtureDoc, "    delete: {}\n  /api/settings:", "  /api/settings:", 1))
	err := checkDoc(doc)
	if err == nil || !strings.Contains(err.Error(), "missing DELETE /api/session") {
		t.Fatalf("expected missing method error, got %v", err)
	}
}

func TestCheckDocReportsErrorCodeGap(t *testing.T) {
	doc := loadFixture(t, strings.Replace(fixtureDoc, "            - rate_limited\n", "", 1))
	err := checkDoc(doc)
	if err == nil || !strings.Contains(err.Error(), "rate_limited") {
		t.Fatalf("expected enum error, got %v", err)
	}
}

func TestCheckDocReportsDetailShapeDrift(t *testing.T) {
	doc := loadFixture(t, strings.Replace(fixtureDoc, "        status:\n          type: integer\n", "        status:\n          type: string\n", 1))
	err := checkDoc(doc)
	if err == nil || !strings.Contains(err.Error(), "ErrorDetail property \"status\"") {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestFixtureIsValid(t *testing.T) {
	if err := checkDoc(loadFixture(t, fixtureDoc)); err != nil {
		t.Fatalf("fixture should pass: %v", err)
	}
}

func loadFixture(t *testing.T, body string) openAPIDoc {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openapi.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	doc, err := loadDoc(path)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	return doc
}

const fixtureDoc = `openapi: 3.0.3
paths:
  /healthz:
    get: {}
  /api/identity:
    post: {}
  /api/session:
    get: {}
    delete: {}
  /api/settings:
    get: {}
    put: {}
  /api/projects:
    get: {}
    post: {}
  /api/projects/{id}:
    patch: {}
    delete: {}
  /api/projects/{id}/select:
    post: {}
  /api/projects/{id}/open:
    post: {}
  /api/projects/{id}/config:
    get: {}
    put: {}
    delete: {}
  /api/projects/{id}/files:
    get: {}
    post: {}
  /api/projects/{id}/files/{name}:
    get: {}
  /api/conversations:
    get: {}
    post: {}
  /api/conversations/{id}:
    patch: {}
    delete: {}
  /api/conversations/{id}/select:
    post: {}
  /api/conversations/{id}/messages:
    get: {}
  /api/messages:
    post: {}
components:
  schemas:
    ErrorResponse:
      type: object
      required: [error, code]
      properties:
        error:
          type: string
        code:
          type: string
          enum:
            - unauthorized
            - method_not_allowed
            - configuration_missing
            - no_active_conversation
            - invalid_target
            - validation_error
            - persistence_failure
            - completion_request_failed
            - rate_limited
            - internal_error
        requestId:
          type: string
        details:
          type: array
          items:
            $ref: "#/components/schemas/ErrorDetail"
    ErrorDetail:
      type: object
      required: [reason]
      properties:
        reason:
          type: string
        field:
          type: string
        status:
          type: integer
`
