package filter

import (
	"fmt"

	dErrors "doublet/pkg/domain-errors"
)

// Category partitions CRM contacts. Each category keeps its fields in its own
// backend namespace.
type Category string

const (
	CategoryPrivate  Category = "b2c"
	CategoryBusiness Category = "b2b"
)

// Field is a logical contact field, independent of any backend namespace.
type Field string

const (
	FieldFirstName Field = "firstName"
	FieldLastName  Field = "lastName"
	FieldEmail     Field = "email"
	FieldMobile    Field = "mobile"
	FieldLandline  Field = "landline"
)

// Schema maps logical fields onto the backend field names of one category.
type Schema struct {
	Category Category
	Fields   map[Field]string
}

// PrivateSchema addresses private (B2C) contacts.
var PrivateSchema = NewSchema(CategoryPrivate, "b2c_contact")

// BusinessSchema addresses business (B2B) contacts.
var BusinessSchema = NewSchema(CategoryBusiness, "contact")

// NewSchema builds the standard table for a namespace, e.g. "b2c_contact"
// yields "b2c_contact.fixed_fields.first_name".
func NewSchema(category Category, namespace string) Schema {
	prefix := namespace + ".fixed_fields."
	return Schema{
		Category: category,
		Fields: map[Field]string{
			FieldFirstName: prefix + "first_name",
			FieldLastName:  prefix + "last_name",
			FieldMobile:    prefix + "mobile_phone_number",
			FieldEmail:     prefix + "email",
			FieldLandline:  prefix + "landline_phone_number",
		},
	}
}

// WithNamespace returns a copy of the schema relocated to another namespace.
// An empty namespace returns the schema unchanged.
func (s Schema) WithNamespace(namespace string) Schema {
	if namespace == "" {
		return s
	}
	return NewSchema(s.Category, namespace)
}

// FieldName resolves a logical field. An unmapped field is a configuration
// defect, not a user error.
func (s Schema) FieldName(f Field) (string, error) {
	name, ok := s.Fields[f]
	if !ok || name == "" {
		return "", dErrors.New(dErrors.CodeConfiguration, fmt.Sprintf("%s is unknown", f))
	}
	return name, nil
}
