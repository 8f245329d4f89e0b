package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultDocPath = "api/openapi.yaml"

type openAPIDoc struct {
	Paths      map[string]map[string]any `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	Enum       []string          `yaml:"enum"`
}

type schemaShape struct {
	Type       string
	Required   []string
	Properties map[string]propertyShape
}

type propertyShape struct {
	Type     string
	ItemsRef string
}

// requiredRoutes mirrors the routes registered by the chat server.
var requiredRoutes = map[string][]string{
	"/healthz":                         {"get"},
	"/api/identity":                    {"post"},
	"/api/session":                     {"get", "delete"},
	"/api/settings":                    {"get", "put"},
	"/api/projects":                    {"get", "post"},
	"/api/projects/{id}":               {"patch", "delete"},
	"/api/projects/{id}/select":        {"post"},
	"/api/projects/{id}/open":          {"post"},
	"/api/projects/{id}/config":        {"get", "put", "delete"},
	"/api/projects/{id}/files":         {"get", "post"},
	"/api/projects/{id}/files/{name}":  {"get"},
	"/api/conversations":               {"get", "post"},
	"/api/conversations/{id}":          {"patch", "delete"},
	"/api/conversations/{id}/select":   {"post"},
	"/api/conversations/{id}/messages": {"get"},
	"/api/messages":                    {"post"},
}

// errorCodes are the codes the server writes into ErrorResponse.code.
var errorCodes = []string{
	"unauthorized",
	"method_not_allowed",
	"configuration_missing",
	"no_active_conversation",
	"invalid_target",
	"validation_error",
	"persistence_failure",
	"completion_request_failed",
	"rate_limited",
	"internal_error",
}

var errorResponseShape = schemaShape{
	Type:     "object",
	Required: []string{"code", "error"},
	Properties: map[string]propertyShape{
		"error":     {Type: "string"},
		"code":      {Type: "string"},
		"requestId": {Type: "string"},
		"details":   {Type: "array", ItemsRef: "#/components/schemas/ErrorDetail"},
	},
}

var errorDetailShape = schemaShape{
	Type:     "object",
	Required: []string{"reason"},
	Properties: map[string]propertyShape{
		"reason": {Type: "string"},
		"field":  {Type: "string"},
		"status": {Type: "integer"},
	},
}

func main() {
	if len(os.Args) > 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [openapi.yaml]\n", os.Args[0])
		os.Exit(2)
	}
	path := defaultDocPath
	if len(os.Args) == 2 {
		path = os.Args[1]
	}

	doc, err := loadDoc(path)
	if err != nil {
		exitErr(err)
	}
	if err := checkDoc(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI check passed.")
}

func checkDoc(doc openAPIDoc) error {
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	detail, err := getSchema(doc, "ErrorDetail")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	if err := validateErrorDetail(detail); err != nil {
		return err
	}
	if err := ensureSameShape("ErrorResponse", errorResponseShape, shapeFromSchema(errResp)); err != nil {
		return err
	}
	if err := ensureSameShape("ErrorDetail", errorDetailShape, shapeFromSchema(detail)); err != nil {
		return err
	}
	if err := validateErrorCodes(errResp.Properties["code"]); err != nil {
		return err
	}
	return validateRoutes(doc.Paths)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	detailsProp, ok := s.Properties["details"]
	if !ok || detailsProp.Type != "array" {
		return errors.New("ErrorResponse.details must be array")
	}
	if detailsProp.Items == nil || strings.TrimSpace(detailsProp.Items.Ref) != "#/components/schemas/ErrorDetail" {
		return errors.New("ErrorResponse.details.items must reference ErrorDetail")
	}
	return nil
}

func validateErrorDetail(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorDetail must be object")
	}
	if !makeSet(s.Required)["reason"] {
		return errors.New("ErrorDetail.required must include \"reason\"")
	}
	return nil
}

func validateErrorCodes(code schema) error {
	documented := makeSet(code.Enum)
	var missing []string
	for _, c := range errorCodes {
		if !documented[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("ErrorResponse.code enum missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func validateRoutes(paths map[string]map[string]any) error {
	if len(paths) == 0 {
		return errors.New("paths missing")
	}
	var problems []string
	for route, methods := range requiredRoutes {
		item, ok := paths[route]
		if !ok {
			problems = append(problems, "missing path "+route)
			continue
		}
		for _, method := range methods {
			if _, ok := item[method]; !ok {
				problems = append(problems, fmt.Sprintf("missing %s %s", strings.ToUpper(method), route))
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.New(strings.Join(problems, "; "))
}

func shapeFromSchema(s schema) schemaShape {
	out := schemaShape{
		Type:       s.Type,
		Required:   append([]string(nil), s.Required...),
		Properties: make(map[string]propertyShape, len(s.Properties)),
	}
	sort.Strings(out.Required)
	for name, prop := range s.Properties {
		shape := propertyShape{Type: prop.Type}
		if prop.Items != nil {
			shape.ItemsRef = strings.TrimSpace(prop.Items.Ref)
		}
		out.Properties[name] = shape
	}
	return out
}

func ensureSameShape(name string, want, got schemaShape) error {
	if want.Type != got.Type {
		return fmt.Errorf("%s type mismatch: want %q, got %q", name, want.Type, got.Type)
	}
	if strings.Join(want.Required, ",") != strings.Join(got.Required, ",") {
		return fmt.Errorf("%s required mismatch: want %v, got %v", name, want.Required, got.Required)
	}
	if len(want.Properties) != len(got.Properties) {
		return fmt.Errorf("%s property count mismatch: want %d, got %d", name, len(want.Properties), len(got.Properties))
	}
	for key, wantProp := range want.Properties {
		gotProp, ok := got.Properties[key]
		if !ok {
			return fmt.Errorf("%s missing property %q", name, key)
		}
		if wantProp != gotProp {
			return fmt.Errorf("%s property %q mismatch: want %+v, got %+v", name, key, wantProp, gotProp)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
