// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/capeworks/cape/core"
	"github.com/capeworks/cape/core/access"
	"github.com/capeworks/cape/core/client"
	"github.com/capeworks/cape/core/csql"
	"github.com/capeworks/cape/core/logger"
	"github.com/capeworks/cape/core/registry"
	"github.com/capeworks/cape/core/schema"
)

// Backend is the generic rest backend with change streaming
type Backend struct {
	config   backendConfiguration
	db       *csql.DB
	router   *mux.Router
	notifier core.Notifier
	exports  chan Event

	// Registry holds the descriptors of all registered resources
	Registry *core.Registry
	// Policies is the policy store consulted by the permission engine
	Policies *access.PolicyStore

	engine        *access.Engine
	broker        *Broker
	jsonValidator *schema.Validator
	checkpoints   registry.Accessor

	publishMutex sync.Mutex
	sequences    map[string]int64

	changeHandlers map[string][]changeHandler
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON description of all resources. This is mandatory.
	Config string
	// Schema is the postgres schema for this backend's relations. Defaults to "public".
	Schema string
	// DB is a postgres database. This is mandatory.
	DB *sql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Notifier receives all committed change events, for example to export
	// them to Kafka. This is optional.
	Notifier core.Notifier
	// QueueCapacity is the bounded capacity of every subscriber's delivery
	// queue. A subscriber whose queue overflows is evicted. Defaults to 64.
	QueueCapacity int
}

// New realizes the actual backend. It creates the sql relations (if they do
// not exist) and adds the generated routes to the router.
func New(bb *Builder) (*Backend, error) {
	var config backendConfiguration
	if err := json.Unmarshal([]byte(bb.Config), &config); err != nil {
		return nil, fmt.Errorf("parse error in backend configuration: %s", err)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid backend configuration: %s", err)
	}
	if bb.DB == nil {
		return nil, fmt.Errorf("DB is missing")
	}
	if bb.Router == nil {
		return nil, fmt.Errorf("Router is missing")
	}

	jsonValidator, err := schema.NewValidator(config.Schemas, config.SchemaRefs)
	if err != nil {
		return nil, err
	}

	db := csql.WrapWithSchema(bb.DB, bb.Schema)

	b := &Backend{
		config:         config,
		db:             db,
		router:         bb.Router,
		notifier:       bb.Notifier,
		Registry:       core.NewRegistry(),
		Policies:       access.NewPolicyStore(),
		jsonValidator:  jsonValidator,
		checkpoints:    registry.MustNew(db).Accessor("_sequence_"),
		sequences:      make(map[string]int64),
		changeHandlers: make(map[string][]changeHandler),
	}
	b.engine = access.NewEngine(b.Registry, b.Policies)
	b.broker = NewBroker(b.Registry, b.engine, bb.QueueCapacity)
	if b.notifier != nil {
		b.startExport()
	}

	for _, rc := range config.Resources {
		if err := b.Registry.Register(rc.Descriptor); err != nil {
			return nil, err
		}
		for _, permit := range rc.Permits {
			b.Policies.Grant(access.Rule{
				Selector:   permit.Role,
				Resource:   rc.Resource,
				Operations: permit.Operations,
			})
		}
	}

	if err := b.loadSequences(); err != nil {
		return nil, err
	}

	b.handleCORS()
	b.handleCompression()
	logger.AddRequestID(b.router)

	for _, rc := range config.Resources {
		// the events route must be registered before the single-resource
		// route, otherwise {primary key} would shadow it
		b.createEventStream(rc.Descriptor)
		if err := b.createCollectionResource(rc.Descriptor); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// MustNew is like New, but panics on error
func MustNew(bb *Builder) *Backend {
	b, err := New(bb)
	if err != nil {
		panic(err)
	}
	return b
}

// Engine returns the permission engine. Authorize evaluates the current
// policy state; it is the single authorization decision point for CRUD and
// event delivery alike.
func (b *Backend) Engine() *access.Engine {
	return b.engine
}

// Broker returns the subscription broker
func (b *Backend) Broker() *Broker {
	return b.broker
}

// DB returns the backend's database
func (b *Backend) DB() *csql.DB {
	return b.db
}

// Client returns an in-process client for the backend's router
func (b *Backend) Client() client.Client {
	return client.NewWithRouter(b.router)
}

// Privileged returns an in-process client that bypasses permission
// evaluation. It is the trusted internal access path; nothing reachable from
// the network can obtain it.
func (b *Backend) Privileged() client.Client {
	return client.NewWithRouter(b.router).WithPrivilege()
}
