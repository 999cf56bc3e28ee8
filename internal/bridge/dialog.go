package bridge

import (
	"context"
	"errors"
	"strings"

	"github.com/ncruces/zenity"
)

// ErrDialogCanceled is returned by a Dialog when the user dismissed it.
var ErrDialogCanceled = errors.New("dialog canceled")

type FileFilter struct {
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
}

type SelectRequest struct {
	Title       string       `json:"title"`
	Filters     []FileFilter `json:"filters"`
	MultiSelect bool         `json:"multiSelect"`
	DefaultPath string       `json:"defaultPath"`
}

type SelectResult struct {
	Success       bool     `json:"success"`
	Cancelled     bool     `json:"cancelled"`
	SelectedPaths []string `json:"selectedPaths"`
	Error         string   `json:"error,omitempty"`
}

// Dialog is the native open file dialog capability of the desktop.
type Dialog interface {
	SelectFiles(ctx context.Context, req SelectRequest) ([]string, error)
}

// ZenityDialog shows the platform dialog through zenity.
type ZenityDialog struct{}

func (ZenityDialog) SelectFiles(ctx context.Context, req SelectRequest) ([]string, error) {
	opts := []zenity.Option{zenity.Context(ctx)}
	if req.Title != "" {
		opts = append(opts, zenity.Title(req.Title))
	}
	if req.DefaultPath != "" {
		opts = append(opts, zenity.Filename(req.DefaultPath))
	}
	if len(req.Filters) > 0 {
		filters := make(zenity.FileFilters, 0, len(req.Filters))
		for _, f := range req.Filters {
			patterns := make([]string, 0, len(f.Extensions))
			for _, ext := range f.Extensions {
				ext = strings.TrimPrefix(ext, ".")
				if ext == "*" || ext == "" {
					patterns = append(patterns, "*")
					continue
				}
				patterns = append(patterns, "*."+ext)
			}
			filters = append(filters, zenity.FileFilter{Name: f.Name, Patterns: patterns, CaseFold: true})
		}
		opts = append(opts, filters)
	}

	var (
		paths []string
		err   error
	)
	if req.MultiSelect {
		paths, err = zenity.SelectFileMultiple(opts...)
	} else {
		var path string
		path, err = zenity.SelectFile(opts...)
		if path != "" {
			paths = []string{path}
		}
	}
	if errors.Is(err, zenity.ErrCanceled) {
		return nil, ErrDialogCanceled
	}
	return paths, err
}

func selectFiles(ctx context.Context, d Dialog, req SelectRequest) SelectResult {
	if d == nil {
		return SelectResult{SelectedPaths: []string{}, Error: "file dialogs are not available"}
	}
	paths, err := d.SelectFiles(ctx, req)
	switch {
	case errors.Is(err, ErrDialogCanceled):
		return SelectResult{Success: true, Cancelled: true, SelectedPaths: []string{}}
	case err != nil:
		return SelectResult{SelectedPaths: []string{}, Error: err.Error()}
	}
	if paths == nil {
		paths = []string{}
	}
	return SelectResult{Success: true, SelectedPaths: paths}
}
