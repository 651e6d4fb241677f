package httpserver

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/twinstack/loom/internal/record"
)

// recordFilter wraps a compiled CEL program evaluated against each record in
// a listing. When disabled, Eval always returns true.
type recordFilter struct {
	prog    cel.Program
	enabled bool
}

func newRecordFilter(expr string) (recordFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return recordFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("stream", cel.StringType),
		cel.Variable("date_ms", cel.IntType),
		cel.Variable("content_type", cel.StringType),
		cel.Variable("filename", cel.StringType),
		cel.Variable("upload_status", cel.StringType),
		cel.Variable("public", cel.BoolType),
		// Current time in ms for windowed filters
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return recordFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return recordFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return recordFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return recordFilter{}, err
	}
	return recordFilter{prog: prog, enabled: true}, nil
}

func (f recordFilter) Eval(rec *record.Record) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":            rec.ID.String(),
		"stream":        rec.StreamName,
		"date_ms":       rec.Date,
		"content_type":  rec.ContentType,
		"filename":      rec.Filename,
		"upload_status": string(rec.UploadStatus),
		"public":        rec.Public(),
		"now_ms":        time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
