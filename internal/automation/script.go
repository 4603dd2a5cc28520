//go:build !no_automation

package automation

import (
	"fmt"
	"strings"

	"github.com/yuin/gopher-lua/parse"
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk as <id>.lua.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // raw Lua source (without header)
	FilePath string     `json:"-"`
}

// CheckSyntax parses code without running it.
func CheckSyntax(code string) error {
	if _, err := parse.Parse(strings.NewReader(code), "<script>"); err != nil {
		return fmt.Errorf("lua syntax: %w", err)
	}
	return nil
}
