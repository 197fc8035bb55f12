package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"rerhythm/internal/server"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
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
}

var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"patch": true, "head": true, "options": true,
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc, server.Routes); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc, routes []server.Route) error {
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	return ensureSameOperations(documentedOperations(doc), servedOperations(routes))
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

// validateErrorResponse checks the documented error body matches writeError.
func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	if !makeSet(s.Required)["error"] {
		return errors.New("ErrorResponse.required must include \"error\"")
	}
	errorProp, ok := s.Properties["error"]
	if !ok || errorProp.Type != "string" {
		return errors.New("ErrorResponse.error must be string")
	}
	if len(s.Properties) != 1 {
		return fmt.Errorf("ErrorResponse must only define \"error\", got %d properties", len(s.Properties))
	}
	return nil
}

func documentedOperations(doc openAPIDoc) []string {
	var out []string
	for path, item := range doc.Paths {
		for method := range item {
			if httpMethods[strings.ToLower(method)] {
				out = append(out, strings.ToUpper(method)+" "+path)
			}
		}
	}
	sort.Strings(out)
	return out
}

func servedOperations(routes []server.Route) []string {
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		out = append(out, strings.ToUpper(r.Method)+" "+r.Path)
	}
	sort.Strings(out)
	return out
}

func ensureSameOperations(documented, served []string) error {
	doc := makeSet(documented)
	srv := makeSet(served)
	var problems []string
	for _, op := range served {
		if !doc[op] {
			problems = append(problems, "undocumented: "+op)
		}
	}
	for _, op := range documented {
		if !srv[op] {
			problems = append(problems, "not served: "+op)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("openapi paths out of sync:\n  %s", strings.Join(problems, "\n  "))
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
