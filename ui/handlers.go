package main

import (
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
)

//go:embed templates/*
var templatesFS embed.FS

// Handler handles HTTP requests for the UI.
type Handler struct {
	inspector *Inspector
	templates map[string]*template.Template
}

// NewHandler creates a new Handler.
func NewHandler(inspector *Inspector) (*Handler, error) {
	funcMap := template.FuncMap{
		"add": func(a, b int64) int64 { return a + b },
	}

	pages := []string{"dashboard.html", "groups.html", "tasks.html"}
	templates := make(map[string]*template.Template)

	for _, page := range pages {
		tmpl := template.New("base.html").Funcs(funcMap)
		// Parse base.html + the specific page
		if _, err := tmpl.ParseFS(templatesFS, "templates/base.html", "templates/"+page); err != nil {
			return nil, err
		}
		templates[page] = tmpl
	}

	return &Handler{
		inspector: inspector,
		templates: templates,
	}, nil
}

// RegisterRoutes registers HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleDashboard)
	mux.HandleFunc("/groups", h.handleGroups)
	mux.HandleFunc("/groups/", h.handleGroupTasks)
	mux.HandleFunc("/api/stats", h.handleAPIStats)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	stats, err := h.inspector.GetDashboardStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, "dashboard.html", stats)
}

func (h *Handler) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.inspector.GetGroups(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, "groups.html", groups)
}

func (h *Handler) handleGroupTasks(w http.ResponseWriter, r *http.Request) {
	group := strings.TrimPrefix(r.URL.Path, "/groups/")
	if group == "" {
		http.Redirect(w, r, "/groups", http.StatusFound)
		return
	}
	tasks, err := h.inspector.GetGroupTasks(r.Context(), group)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.render(w, "tasks.html", struct {
		Group string
		Tasks []TaskInfo
	}{Group: group, Tasks: tasks})
}

func (h *Handler) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.GetDashboardStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (h *Handler) render(w http.ResponseWriter, page string, data interface{}) {
	tmpl, ok := h.templates[page]
	if !ok {
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
