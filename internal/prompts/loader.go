// Package prompts provides embedded text templates for outreach messages
// and generation prompts. Templates are stored as JSON files keyed by name
// and embedded at compile time.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
)

//go:embed *.json
var promptFiles embed.FS

var (
	cacheMu   sync.RWMutex
	rawCache  = make(map[string]map[string]string)
	tmplCache = make(map[string]*template.Template)
)

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Get retrieves the raw template text by filename and key.
func Get(filename, key string) (string, error) {
	entries, err := loadFile(filename)
	if err != nil {
		return "", err
	}
	text, ok := entries[key]
	if !ok {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}
	return text, nil
}

// Render executes the template filename/key with data.
func Render(filename, key string, data any) (string, error) {
	tmpl, err := parsed(filename, key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s/%s: %w", filename, key, err)
	}
	return buf.String(), nil
}

// List returns the keys of a file in sorted order.
func List(filename string) ([]string, error) {
	entries, err := loadFile(filename)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func parsed(filename, key string) (*template.Template, error) {
	id := filename + "/" + key
	cacheMu.RLock()
	tmpl, ok := tmplCache[id]
	cacheMu.RUnlock()
	if ok {
		return tmpl, nil
	}

	text, err := Get(filename, key)
	if err != nil {
		return nil, err
	}
	tmpl, err = template.New(id).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", id, err)
	}

	cacheMu.Lock()
	tmplCache[id] = tmpl
	cacheMu.Unlock()
	return tmpl, nil
}

func loadFile(filename string) (map[string]string, error) {
	cacheMu.RLock()
	entries, ok := rawCache[filename]
	cacheMu.RUnlock()
	if ok {
		return entries, nil
	}

	data, err := promptFiles.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", filename, err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", filename, err)
	}

	cacheMu.Lock()
	rawCache[filename] = entries
	cacheMu.Unlock()
	return entries, nil
}
