package cadrechat

import "embed"

// TemplateFS contains the embedded HTML templates of the chat panel. Templates are organized into
// layouts, pages, and partial views that are also rendered on their own for streamed updates.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded static assets (JavaScript and CSS) served under /static/.
//
//go:embed static/*
var StaticFS embed.FS
