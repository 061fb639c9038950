package community

import (
	"fmt"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/retract/internal/ir"
	"github.com/roach88/retract/internal/packet"
)

// Community is a compiled community definition.
type Community struct {
	Name    string
	Masters []ir.MemberID
	Types   map[ir.RecordType]TypeSpec
}

// TypeSpec describes one data record type.
type TypeSpec struct {
	Name        ir.RecordType
	Cancellable bool
	Description string
}

// Declared reports whether t is a data type of this community.
func (c *Community) Declared(t ir.RecordType) bool {
	_, ok := c.Types[t]
	return ok
}

// Cancellable reports whether records of type t may be cancelled.
func (c *Community) Cancellable(t ir.RecordType) bool {
	spec, ok := c.Types[t]
	return ok && spec.Cancellable
}

// TypeNames returns the declared data types in sorted order.
func (c *Community) TypeNames() []ir.RecordType {
	names := make([]ir.RecordType, 0, len(c.Types))
	for n := range c.Types {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CompileError represents a community definition error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Compile parses the value of the top-level "community" field.
func Compile(v cue.Value) (*Community, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	c := &Community{Types: make(map[ir.RecordType]TypeSpec)}

	if nameVal := v.LookupPath(cue.ParsePath("name")); nameVal.Exists() {
		name, err := nameVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		c.Name = name
	}

	masters, err := parseMasters(v)
	if err != nil {
		return nil, err
	}
	c.Masters = masters

	typesVal := v.LookupPath(cue.ParsePath("types"))
	if !typesVal.Exists() {
		return nil, &CompileError{Field: "types", Message: "at least one data type is required", Pos: v.Pos()}
	}
	iter, err := typesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		spec, err := parseType(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		c.Types[spec.Name] = spec
	}
	if len(c.Types) == 0 {
		return nil, &CompileError{Field: "types", Message: "at least one data type is required", Pos: typesVal.Pos()}
	}

	return c, nil
}

func parseMasters(v cue.Value) ([]ir.MemberID, error) {
	mastersVal := v.LookupPath(cue.ParsePath("masters"))
	if !mastersVal.Exists() {
		return nil, &CompileError{Field: "masters", Message: "at least one master is required", Pos: v.Pos()}
	}
	list, err := mastersVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var masters []ir.MemberID
	for list.Next() {
		s, err := list.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		m := ir.MemberID(s)
		if _, err := packet.PublicKeyFromMember(m); err != nil {
			return nil, &CompileError{Field: "masters", Message: err.Error(), Pos: list.Value().Pos()}
		}
		if slices.Contains(masters, m) {
			return nil, &CompileError{Field: "masters", Message: fmt.Sprintf("duplicate master %s", m.Short()), Pos: list.Value().Pos()}
		}
		masters = append(masters, m)
	}
	if len(masters) == 0 {
		return nil, &CompileError{Field: "masters", Message: "at least one master is required", Pos: mastersVal.Pos()}
	}
	return masters, nil
}

func parseType(name string, v cue.Value) (TypeSpec, error) {
	t := ir.RecordType(name)
	if t.IsSystem() || t == ir.FamilyCancel {
		return TypeSpec{}, &CompileError{
			Field:   "types." + name,
			Message: "system record types cannot be redeclared",
			Pos:     v.Pos(),
		}
	}

	spec := TypeSpec{Name: t, Cancellable: true}

	if cv := v.LookupPath(cue.ParsePath("cancellable")); cv.Exists() {
		b, err := cv.Bool()
		if err != nil {
			return TypeSpec{}, formatCUEError(err)
		}
		spec.Cancellable = b
	}
	if dv := v.LookupPath(cue.ParsePath("description")); dv.Exists() {
		d, err := dv.String()
		if err != nil {
			return TypeSpec{}, formatCUEError(err)
		}
		spec.Description = d
	}
	return spec, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
