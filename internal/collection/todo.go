package collection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/coachd/internal/catalog"
)

var ErrUnknownField = errors.New("unknown todo field")

// TodoList is the ordered set of fields a session must populate.
type TodoList []TodoItem

// FieldUpdate is one extraction result for a field.
type FieldUpdate struct {
	Field      string  `json:"name"`
	Value      string  `json:"value"`
	Note       string  `json:"note"`
	Confidence float64 `json:"confidence"`
}

func NewTodoList(fields []catalog.Field) TodoList {
	out := make(TodoList, 0, len(fields))
	for _, f := range fields {
		out = append(out, TodoItem{
			Name:     f.Name,
			Label:    f.Label,
			Required: f.Required,
			Status:   FieldUnsatisfied,
		})
	}
	return out
}

// Apply records an extraction result. Empty values and results below
// minConfidence are ignored; a satisfied field keeps its status and only
// takes the corrected value.
func (l TodoList) Apply(u FieldUpdate, minConfidence float64) (bool, error) {
	i := l.index(u.Field)
	if i < 0 {
		return false, fmt.Errorf("%w: %q", ErrUnknownField, u.Field)
	}
	value := strings.TrimSpace(u.Value)
	if value == "" || u.Confidence < minConfidence {
		return false, nil
	}
	l[i].Value = &value
	if note := strings.TrimSpace(u.Note); note != "" {
		l[i].Note = note
	}
	l[i].Status = FieldSatisfied
	return true, nil
}

// Clear is the explicit removal action, the only way back to unsatisfied.
func (l TodoList) Clear(name string) error {
	i := l.index(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	l[i].Value = nil
	l[i].Note = ""
	l[i].Status = FieldUnsatisfied
	return nil
}

func (l TodoList) Item(name string) (TodoItem, bool) {
	i := l.index(name)
	if i < 0 {
		return TodoItem{}, false
	}
	return l[i], true
}

func (l TodoList) Progress(requiredOnly bool) Progress {
	var p Progress
	for _, item := range l {
		if requiredOnly && !item.Required {
			continue
		}
		p.Total++
		if item.Status == FieldSatisfied {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percentage = p.Completed * 100 / p.Total
	}
	return p
}

func (l TodoList) RequiredSatisfied() bool {
	p := l.Progress(true)
	return p.Completed == p.Total
}

// Open returns unsatisfied items, required ones first.
func (l TodoList) Open() []TodoItem {
	var required, optional []TodoItem
	for _, item := range l {
		if item.Status == FieldSatisfied {
			continue
		}
		if item.Required {
			required = append(required, item)
		} else {
			optional = append(optional, item)
		}
	}
	return append(required, optional...)
}

// SatisfiedValues returns collected values keyed by field name.
func (l TodoList) SatisfiedValues() map[string]string {
	out := make(map[string]string)
	for _, item := range l {
		if item.Status == FieldSatisfied && item.Value != nil {
			out[item.Name] = *item.Value
		}
	}
	return out
}

func (l TodoList) index(name string) int {
	for i := range l {
		if l[i].Name == name {
			return i
		}
	}
	return -1
}

func (l TodoList) clone() TodoList {
	if l == nil {
		return nil
	}
	out := make(TodoList, len(l))
	for i, item := range l {
		if item.Value != nil {
			v := *item.Value
			item.Value = &v
		}
		out[i] = item
	}
	return out
}
