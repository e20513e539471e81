package template

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Render parses src and renders it against bindings. The output is trimmed.
func Render(src string, bindings map[string]any) string {
	return Parse(src).Execute(bindings)
}

// Execute renders a parsed template. Missing bindings render as empty text;
// loop iterations are concatenated without a separator.
func (t *Template) Execute(bindings map[string]any) string {
	var sb strings.Builder
	r := renderer{bindings: bindings}
	r.render(&sb, t.Nodes)
	return strings.TrimSpace(sb.String())
}

type scope struct {
	name string
	item any
}

type renderer struct {
	bindings map[string]any
	scopes   []scope
}

func (r *renderer) render(sb *strings.Builder, nodes []Node) {
	for _, n := range nodes {
		switch n := n.(type) {
		case Literal:
			sb.WriteString(n.Text)
		case Variable:
			v, _ := r.lookup(n.Name, n.Prop)
			sb.WriteString(toString(v))
		case Conditional:
			v, _ := r.lookup(n.Name, n.Prop)
			if truthy(v) {
				r.render(sb, n.Body)
			}
		case Loop:
			v, _ := r.lookup(n.Seq, "")
			for _, item := range items(v) {
				r.scopes = append(r.scopes, scope{name: n.Seq, item: item})
				r.render(sb, n.Body)
				r.scopes = r.scopes[:len(r.scopes)-1]
			}
		}
	}
}

// lookup resolves name (and optional prop). {seq.prop} inside a loop over
// seq reads from the current item; otherwise prop reads from the bound value.
func (r *renderer) lookup(name, prop string) (any, bool) {
	if prop != "" {
		for i := len(r.scopes) - 1; i >= 0; i-- {
			if r.scopes[i].name == name {
				return field(r.scopes[i].item, prop)
			}
		}
	}
	v, ok := r.bindings[name]
	if !ok {
		return nil, false
	}
	if prop == "" {
		return v, true
	}
	return field(v, prop)
}

func field(v any, prop string) (any, bool) {
	rv := indirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(prop).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if tag == prop || strings.EqualFold(f.Name, prop) {
				return rv.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}

func items(v any) []any {
	rv := indirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return nil
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func indirect(rv reflect.Value) reflect.Value {
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	rv := indirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return false
	}
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	}
	return true
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format("02/01/2006")
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.Format("02/01/2006")
	case fmt.Stringer:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	}
	rv := indirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return ""
	}
	return fmt.Sprint(rv.Interface())
}
