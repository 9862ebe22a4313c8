// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The
client is the tool of choice if one request handler needs to call other
handlers to fulfill its task. It is also perfectly suited for unit tests.

A client created with WithPrivilege() carries the in-process privilege marker
and bypasses permission evaluation entirely. This is the trusted internal
access path; it is not reachable through any network surface.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/capeworks/cape/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router *mux.Router
	auth   *access.Authorization
	ctx    context.Context
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router.
//
// WithAuthorization() adds an authorization to the request context.
// WithPrivilege() marks the request context as privileged.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// WithAuthorization returns a copy of the client with an authorization added
// to the request context
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a copy of the client with a new base context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// WithPrivilege returns a copy of the client whose requests bypass permission
// evaluation. Use this for trusted internal code that must not inherit the
// restrictions of the identity that triggered it.
func (c Client) WithPrivilege() Client {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx = access.PrivilegedContext(ctx)
	return c
}

func (c Client) context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = c.auth.ContextWithAuthorization(ctx)
	}
	return ctx
}

// RawGet gets the resource from path and returns the body and status code
func (c Client) RawGet(path string) ([]byte, int) {
	r, _ := http.NewRequestWithContext(c.context(), http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)
	return rec.Body.Bytes(), rec.Code
}

// Get gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
func (c Client) Get(path string, result interface{}) (int, error) {
	body, status := c.RawGet(path)
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusOK {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, string(body))
	}
	if result == nil {
		return status, nil
	}
	return status, json.Unmarshal(body, result)
}

// Post posts a resource to path. Expects http.StatusCreated as response, otherwise it will
// flag an error. Returns the actual http status code.
func (c Client) Post(path string, body interface{}, result interface{}) (int, error) {
	j, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, err
	}

	r, _ := http.NewRequestWithContext(c.context(), http.MethodPost, path, bytes.NewBuffer(j))
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)

	status := rec.Code
	if status != http.StatusCreated {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusCreated, rec.Body.String())
	}
	if result == nil {
		return status, nil
	}
	return status, json.Unmarshal(rec.Body.Bytes(), result)
}

// Put puts a resource to path. Expects http.StatusOK or http.StatusNoContent as valid responses,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) Put(path string, body interface{}, result interface{}) (int, error) {
	j, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, err
	}

	r, _ := http.NewRequestWithContext(c.context(), http.MethodPut, path, bytes.NewBuffer(j))
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)

	status := rec.Code
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v or %v. Error: %s",
			status, http.StatusOK, http.StatusNoContent, rec.Body.String())
	}
	if result == nil || status == http.StatusNoContent {
		return status, nil
	}
	return status, json.Unmarshal(rec.Body.Bytes(), result)
}

// Delete deletes the resource at path. Expects http.StatusNoContent as response, otherwise it will
// flag an error. Returns the actual http status code.
func (c Client) Delete(path string) (int, error) {
	r, _ := http.NewRequestWithContext(c.context(), http.MethodDelete, path, nil)
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)

	status := rec.Code
	if status != http.StatusNoContent {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusNoContent, rec.Body.String())
	}
	return status, nil
}
