// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"strings"

	"github.com/kohrobin/gitcore/modules/hashing"
)

// Reference is either direct (points at an OID) or symbolic (points at
// another reference name, as HEAD usually does).
type Reference struct {
	name     Name
	target   hashing.OID // nil if symbolic
	symbolic Name        // "" if direct
}

func NewDirect(name Name, target hashing.OID) *Reference {
	return &Reference{name: name, target: target}
}

func NewSymbolic(name Name, target Name) *Reference {
	return &Reference{name: name, symbolic: target}
}

func (r *Reference) Name() Name { return r.name }

func (r *Reference) IsSymbolic() bool { return r.symbolic != "" }

func (r *Reference) Target() hashing.OID { return r.target }

func (r *Reference) SymbolicTarget() Name { return r.symbolic }

// String renders the reference in loose-ref-file / packed-refs form: a
// direct ref is just the hex OID, a symbolic ref is "ref: <target>".
func (r *Reference) String() string {
	if r.IsSymbolic() {
		return "ref: " + string(r.symbolic)
	}
	if r.target == nil {
		return ""
	}
	return r.target.String()
}

// Parse decodes one reference value line (as found in a loose ref file or
// the right-hand side of a packed-refs entry) into a Reference for name.
func Parse(name Name, line string) *Reference {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "ref: ") {
		return NewSymbolic(name, Name(strings.TrimSpace(line[len("ref: "):])))
	}
	oid, err := hashing.FromHex(line)
	if err != nil {
		return NewDirect(name, nil)
	}
	return NewDirect(name, oid)
}
