package render

import (
	"bytes"
	"fmt"
	"text/template"

	"havoc/internal/pool"

	"github.com/Masterminds/sprig/v3"
)

// Stage names where a template failed
const (
	StageRead    = "read"
	StageParse   = "parse"
	StageExecute = "execute"
)

// TemplateError reports a template that could not be loaded, parsed or executed.
// It aborts the cycle before anything is written.
type TemplateError struct {
	Name  string
	Stage string
	Err   error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %s failed: %v", e.Name, e.Stage, e.Err)
}

func (e *TemplateError) Unwrap() error {
	return e.Err
}

// Data holds the values bound into the template
type Data struct {
	Pools       pool.Mapping
	Hostname    string
	CPUCount    int
	CPUReserved int
	Vars        map[string]any
}

// Config is a rendered configuration and its fingerprint
type Config struct {
	Text        string
	Fingerprint Fingerprint
}

// NewConfig wraps text with its fingerprint
func NewConfig(text string) Config {
	return Config{Text: text, Fingerprint: Sum([]byte(text))}
}

// Funcs returns the functions available to templates: the hermetic sprig
// set (no env, random or clock access) plus match.
func Funcs() template.FuncMap {
	funcs := sprig.HermeticTxtFuncMap()
	funcs["match"] = Match
	return funcs
}

// Render executes source against data. It has no side effects.
func Render(name, source string, data Data) (Config, error) {
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(Funcs()).
		Parse(source)
	if err != nil {
		return Config{}, &TemplateError{Name: name, Stage: StageParse, Err: err}
	}

	pools := data.Pools.Normalized()
	vars := data.Vars
	if vars == nil {
		vars = map[string]any{}
	}

	templateContext := map[string]any{
		"instances":    pools,
		"hostname":     data.Hostname,
		"cpu_count":    data.CPUCount,
		"cpu_reserved": data.CPUReserved,
		"vars":         vars,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateContext); err != nil {
		return Config{}, &TemplateError{Name: name, Stage: StageExecute, Err: err}
	}

	return NewConfig(buf.String()), nil
}
