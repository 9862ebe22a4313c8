// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package backend realizes a declarative resource backend with row-level
authorization and real-time change notification.

Resources are declared in a JSON configuration. For every resource the
backend generates CRUD routes on a mux router, creates the backing postgres
relation, and exposes a server-sent-events stream of committed changes.

The change pipeline is transactional: mutations are recorded inside a unit of
work and become events only when the surrounding database transaction has
durably committed. Events carry a per-resource monotonically increasing
sequence number assigned in commit order. The subscription broker evaluates
the permission engine per event and per subscriber, so a subscriber only ever
sees events it is allowed to read; everything else is silently omitted.

Example configuration:

	{
	  "resources": [
	    {
	      "resource": "todo",
	      "owner_property": "user_id",
	      "operations": ["create", "read", "update", "delete"],
	      "permits": [
	        { "role": "*", "operations": ["read"] },
	        { "role": "owner", "operations": ["create", "update", "delete"] }
	      ]
	    }
	  ]
	}
*/
package backend
