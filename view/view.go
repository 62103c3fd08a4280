// Package view carries per-response template locals through the request
// context and renders templates with them.
package view

import (
	"context"
	"html/template"
	"io"
	"net/http"
)

// Locals is the key-value context exposed to templates.
type Locals map[string]any

type ctxKey struct{}

// WithLocals returns r with a Locals map attached, reusing an existing one.
func WithLocals(r *http.Request) (*http.Request, Locals) {
	if l, ok := r.Context().Value(ctxKey{}).(Locals); ok {
		return r, l
	}
	l := Locals{}
	return r.WithContext(context.WithValue(r.Context(), ctxKey{}, l)), l
}

// FromContext returns the locals attached to ctx, or nil.
func FromContext(ctx context.Context) Locals {
	l, _ := ctx.Value(ctxKey{}).(Locals)
	return l
}

// Render executes tpl with the request's locals overlaid by data.
func Render(w io.Writer, r *http.Request, tpl *template.Template, data map[string]any) error {
	merged := make(map[string]any, len(data)+4)
	for k, v := range FromContext(r.Context()) {
		merged[k] = v
	}
	for k, v := range data {
		merged[k] = v
	}
	return tpl.Execute(w, merged)
}
