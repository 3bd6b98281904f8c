//go:build !no_automation

package automation

// ScriptMeta is the user-editable metadata stored in a script's first line.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation stored as <dir>/<id>.lua.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	Code     string     `json:"code"`
	FilePath string     `json:"-"`
}
