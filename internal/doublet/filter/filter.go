// Package filter translates a doublet query into the CRM's structured filter
// language: a tree of {field, operator, value} terms joined by "and"/"or".
package filter

import (
	"encoding/json"

	"doublet/internal/doublet/models"
	dErrors "doublet/pkg/domain-errors"
)

// OperatorContains is the backend's substring match.
const OperatorContains = "ct"

// Expression is one node of a filter tree: either a term or a group.
type Expression struct {
	Field    string
	Operator string
	Value    string
	And      []Expression
	Or       []Expression
}

// Term builds a leaf expression.
func Term(field, operator, value string) Expression {
	return Expression{Field: field, Operator: operator, Value: value}
}

// And builds a conjunction.
func And(exprs ...Expression) Expression {
	return Expression{And: exprs}
}

// Or builds a disjunction.
func Or(exprs ...Expression) Expression {
	return Expression{Or: exprs}
}

func (e Expression) MarshalJSON() ([]byte, error) {
	switch {
	case e.And != nil:
		return json.Marshal(map[string][]Expression{"and": e.And})
	case e.Or != nil:
		return json.Marshal(map[string][]Expression{"or": e.Or})
	default:
		return json.Marshal(struct {
			Field    string `json:"field"`
			Operator string `json:"operator"`
			Value    string `json:"value"`
		}{e.Field, e.Operator, e.Value})
	}
}

// Filter is the request body of POST /contacts/filter. The top-level list is
// an implicit conjunction.
type Filter struct {
	Filter []Expression `json:"filter"`
}

// Builder holds a validated query for one category.
type Builder struct {
	schema Schema
	query  models.Query
}

// New validates the query and binds it to a category schema. No I/O happens
// here, so validation failures surface before the backend is contacted.
func New(schema Schema, query models.Query) (*Builder, error) {
	if err := Validate(query); err != nil {
		return nil, err
	}
	return &Builder{schema: schema, query: query}, nil
}

// Validate checks the mandatory parts of a query.
func Validate(q models.Query) error {
	if q.FirstName == "" {
		return dErrors.New(dErrors.CodeValidation, "first name is mandatory")
	}
	if q.LastName == "" {
		return dErrors.New(dErrors.CodeValidation, "last name is mandatory")
	}
	if !q.HasContactDetail() {
		return dErrors.New(dErrors.CodeValidation, "at least one of email/mobile/landline must be set")
	}
	return nil
}

// Category reports which contact partition the builder targets.
func (b *Builder) Category() Category {
	return b.schema.Category
}

// Build produces
//
//	AND(first name ct, AND(last name ct, OR(landline ct, mobile ct, email ct)))
//
// where the OR holds one term per non-empty contact detail, in that order.
func (b *Builder) Build() (Filter, error) {
	first, err := b.term(FieldFirstName, b.query.FirstName)
	if err != nil {
		return Filter{}, err
	}
	last, err := b.term(FieldLastName, b.query.LastName)
	if err != nil {
		return Filter{}, err
	}

	details := []struct {
		field Field
		value string
	}{
		{FieldLandline, b.query.Landline},
		{FieldMobile, b.query.Mobile},
		{FieldEmail, b.query.Email},
	}
	var anyOf []Expression
	for _, d := range details {
		if d.value == "" {
			continue
		}
		t, err := b.term(d.field, d.value)
		if err != nil {
			return Filter{}, err
		}
		anyOf = append(anyOf, t)
	}

	return Filter{Filter: []Expression{first, And(last, Or(anyOf...))}}, nil
}

func (b *Builder) term(f Field, value string) (Expression, error) {
	name, err := b.schema.FieldName(f)
	if err != nil {
		return Expression{}, err
	}
	return Term(name, OperatorContains, value), nil
}
