// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"fmt"

	"github.com/capeworks/cape/core"
)

// permitConfiguration grants operations to a subject class for one resource.
// The role is a role name, the wildcard "*", or "owner".
type permitConfiguration struct {
	Role       string           `json:"role"`
	Operations []core.Operation `json:"operations"`
}

// resourceConfiguration is the declaration of a single resource
type resourceConfiguration struct {
	core.Descriptor
	Permits []permitConfiguration `json:"permits,omitempty"`
}

// backendConfiguration is the toplevel configuration document
type backendConfiguration struct {
	Resources []resourceConfiguration `json:"resources"`
	// Schemas are toplevel JSON schemas, referenced by resources via schema_id
	Schemas []string `json:"schemas,omitempty"`
	// SchemaRefs are schemas that can be referenced from the toplevel schemas
	SchemaRefs []string `json:"schema_refs,omitempty"`
}

func (c backendConfiguration) validate() error {
	for _, rc := range c.Resources {
		if len(rc.Resource) == 0 {
			return fmt.Errorf("resource configuration without resource name")
		}
		for _, permit := range rc.Permits {
			if len(permit.Role) == 0 {
				return fmt.Errorf("resource %s: permit without role", rc.Resource)
			}
			for _, op := range permit.Operations {
				if op == core.OperationList {
					return fmt.Errorf("resource %s: permits use %q, which covers collection reads",
						rc.Resource, core.OperationRead)
				}
			}
		}
		if len(rc.OwnerProperty) == 0 {
			for _, permit := range rc.Permits {
				if permit.Role == "owner" {
					return fmt.Errorf("resource %s: owner permit requires owner_property", rc.Resource)
				}
			}
		}
	}
	return nil
}
