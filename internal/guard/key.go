package guard

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Args are the named arguments of one guarded call, referenced from key
// templates as {{.name}}.
type Args map[string]any

// KeyTemplate builds a coordination key from call arguments, for example
//
//	reservation:slot:{{.restaurantId}}:{{date .date}}:{{clock .startTime}}
type KeyTemplate struct {
	src  string
	tmpl *template.Template
}

var keyFuncs = template.FuncMap{
	"date":  timeFormatter("2006-01-02"),
	"clock": timeFormatter("15:04"),
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
}

func timeFormatter(layout string) func(v any) (string, error) {
	return func(v any) (string, error) {
		switch t := v.(type) {
		case time.Time:
			return t.Format(layout), nil
		case *time.Time:
			if t == nil {
				return "", fmt.Errorf("nil time")
			}
			return t.Format(layout), nil
		case string:
			return t, nil
		default:
			return "", fmt.Errorf("cannot format %T as time", v)
		}
	}
}

// ParseKey compiles src. References to missing arguments fail at Resolve.
func ParseKey(src string) (*KeyTemplate, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty template", ErrKeyTemplate)
	}

	tmpl, err := template.New("key").Option("missingkey=error").Funcs(keyFuncs).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyTemplate, err)
	}

	return &KeyTemplate{src: src, tmpl: tmpl}, nil
}

// Resolve evaluates the template against args.
func (k *KeyTemplate) Resolve(args Args) (string, error) {
	var sb strings.Builder
	if err := k.tmpl.Execute(&sb, map[string]any(args)); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrKeyTemplate, k.src, err)
	}

	key := sb.String()
	if key == "" {
		return "", fmt.Errorf("%w: %s resolved to an empty key", ErrKeyTemplate, k.src)
	}

	return key, nil
}

func (k *KeyTemplate) String() string {
	return k.src
}
