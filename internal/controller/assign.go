package controller

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"aufhsm/internal/backend"
	"aufhsm/internal/config"
	"aufhsm/internal/wmark"
)

// Assignment is one watermark argument. An empty Path applies the corridor
// to every branch.
type Assignment struct {
	Path     string
	Corridor wmark.Corridor
	Upper    float64
	Lower    float64
}

// ParseAssignment parses "PATH=UPPER-LOWER" or "UPPER-LOWER", with both
// values as in-use percentages.
func ParseAssignment(arg string) (Assignment, error) {
	var a Assignment
	value := arg
	if i := strings.LastIndex(arg, "="); i >= 0 {
		a.Path = filepath.Clean(strings.TrimSpace(arg[:i]))
		value = arg[i+1:]
		if a.Path == "." || a.Path == "" {
			return Assignment{}, fmt.Errorf("%w: %q: missing branch path", config.ErrInvalid, arg)
		}
	}
	upperText, lowerText, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok {
		return Assignment{}, fmt.Errorf("%w: %q: expected UPPER-LOWER", config.ErrInvalid, arg)
	}
	upper, err := strconv.ParseFloat(strings.TrimSpace(upperText), 64)
	if err != nil {
		return Assignment{}, fmt.Errorf("%w: %q: upper watermark: %v", config.ErrInvalid, arg, err)
	}
	lower, err := strconv.ParseFloat(strings.TrimSpace(lowerText), 64)
	if err != nil {
		return Assignment{}, fmt.Errorf("%w: %q: lower watermark: %v", config.ErrInvalid, arg, err)
	}
	if err := config.ValidatePair(upper, lower); err != nil {
		return Assignment{}, fmt.Errorf("%w: %q: %v", config.ErrInvalid, arg, err)
	}
	c, err := wmark.CorridorFromPercent(upper, lower)
	if err != nil {
		return Assignment{}, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	a.Corridor, a.Upper, a.Lower = c, upper, lower
	return a, nil
}

// ParseAssignments parses every argument before anything is applied.
func ParseAssignments(args []string) ([]Assignment, error) {
	out := make([]Assignment, 0, len(args))
	for _, arg := range args {
		a, err := ParseAssignment(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ResolveBranch returns the participant whose path is the longest one equal
// to or containing path.
func ResolveBranch(branches []backend.Branch, path string) (backend.Branch, error) {
	path = filepath.Clean(path)
	var best backend.Branch
	found := false
	for _, br := range backend.Participants(branches) {
		root := filepath.Clean(br.Path)
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if !found || len(root) > len(filepath.Clean(best.Path)) {
			best, found = br, true
		}
	}
	if !found {
		return backend.Branch{}, fmt.Errorf("%w: %s is not a tiered branch of this mount", config.ErrInvalid, path)
	}
	return best, nil
}

// Apply resolves every assignment against branches and writes it into t.
// Nothing is written when any path fails to resolve.
func Apply(t *wmark.Table, branches []backend.Branch, assigns []Assignment, inode bool) error {
	ids := make([]int, len(assigns))
	for i, a := range assigns {
		if a.Path == "" {
			ids[i] = -1
			continue
		}
		br, err := ResolveBranch(branches, a.Path)
		if err != nil {
			return err
		}
		ids[i] = br.ID
	}
	for i, a := range assigns {
		if ids[i] < 0 {
			t.SetAll(a.Corridor, inode)
			continue
		}
		var err error
		if inode {
			err = t.SetInode(ids[i], a.Corridor)
		} else {
			err = t.SetBlock(ids[i], a.Corridor)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
