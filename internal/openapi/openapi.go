// Package openapi renders the public API description served at /openapi.json.
package openapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/socketkill/nebula/internal/asset"
	"github.com/socketkill/nebula/internal/stats"
	"github.com/socketkill/nebula/internal/version"
)

const (
	Title       = "Socket.Kill Public API"
	Description = "High-performance EVE Online asset proxy."
)

// Document is the subset of OpenAPI 3.0 used by this service.
type Document struct {
	OpenAPI string              `json:"openapi"`
	Info    Info                `json:"info"`
	Servers []Server            `json:"servers,omitempty"`
	Paths   map[string]PathItem `json:"paths"`
}

type Info struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

type Server struct {
	URL string `json:"url"`
}

type PathItem struct {
	Get *Operation `json:"get,omitempty"`
}

type Operation struct {
	Summary    string              `json:"summary"`
	Parameters []Parameter         `json:"parameters,omitempty"`
	Responses  map[string]Response `json:"responses"`
}

type Parameter struct {
	Name     string `json:"name"`
	In       string `json:"in"`
	Required bool   `json:"required"`
	Schema   Schema `json:"schema"`
}

type Schema struct {
	Type string   `json:"type"`
	Enum []string `json:"enum,omitempty"`
}

type Response struct {
	Description string               `json:"description"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

type MediaType struct{}

// Build 根据资源目录生成文档，每种资源类型对应一条 /render/<kind>/{id} 路径。
func Build(catalog *asset.Catalog, baseURL string) *Document {
	doc := &Document{
		OpenAPI: "3.0.0",
		Info: Info{
			Title:       Title,
			Version:     version.Version,
			Description: Description,
		},
		Paths: make(map[string]PathItem),
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		doc.Servers = []Server{{URL: base}}
	}

	for _, kind := range catalog.List() {
		summary := kind.Summary
		if summary == "" {
			summary = fmt.Sprintf("Get %s image", kind.Name)
		}
		doc.Paths["/render/"+kind.Name+"/{id}"] = PathItem{Get: &Operation{
			Summary: summary,
			Parameters: []Parameter{{
				Name:     "id",
				In:       "path",
				Required: true,
				Schema:   Schema{Type: "integer"},
			}},
			Responses: map[string]Response{
				"200": {Description: "Success", Content: map[string]MediaType{contentType(kind.Extension): {}}},
				"400": jsonResponse("Invalid id"),
				"404": jsonResponse("Asset unavailable"),
			},
		}}
	}

	doc.Paths["/random"] = PathItem{Get: &Operation{
		Summary: "Get a random background image",
		Responses: map[string]Response{
			"200": jsonResponse("Success"),
			"500": jsonResponse("No images found"),
		},
	}}
	doc.Paths["/stats/{name}"] = PathItem{Get: &Operation{
		Summary: "Get a statistics snapshot",
		Parameters: []Parameter{{
			Name:     "name",
			In:       "path",
			Required: true,
			Schema:   Schema{Type: "string", Enum: stats.Names()},
		}},
		Responses: map[string]Response{
			"200": jsonResponse("Success"),
			"404": jsonResponse("Snapshot unavailable"),
		},
	}}
	return doc
}

// Marshal 以两空格缩进输出 JSON，便于 --openapi 直接落盘。
func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func jsonResponse(description string) Response {
	return Response{Description: description, Content: map[string]MediaType{"application/json": {}}}
}

func contentType(ext string) string {
	switch strings.ToLower(ext) {
	case "", ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
