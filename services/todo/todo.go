package main

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/capeworks/cape/core"
	"github.com/capeworks/cape/core/access"
	"github.com/capeworks/cape/core/backend"
	"github.com/capeworks/cape/core/logger"
)

var configurationJSON string = `
{
	"resources": [
	  {
		"resource": "account",
		"description": "maps an authenticated identity to its authorization properties",
		"external_index": "identity",
		"permits": [
		  {
			"role": "admin",
			"operations": ["create", "read", "update", "delete"]
		  }
		]
	  },
	  {
		"resource": "todo",
		"description": "a todo item, owned by the user who created it",
		"owner_property": "user_id",
		"searchable_properties": ["done"],
		"schema_id": "https://capeworks.com/schemas/todo.json",
		"permits": [
		  {
			"role": "*",
			"operations": ["read"]
		  },
		  {
			"role": "owner",
			"operations": ["create", "update", "delete"]
		  },
		  {
			"role": "admin",
			"operations": ["create", "read", "update", "delete"]
		  }
		]
	  }
	],
	"schemas": [
	  "{\"$id\": \"https://capeworks.com/schemas/todo.json\", \"type\": \"object\", \"properties\": {\"title\": {\"type\": \"string\"}, \"done\": {\"type\": \"boolean\"}}, \"required\": [\"title\"]}"
	]
}
`

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres     string `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated kafka brokers for event export"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=cape-events" description:"kafka topic for event export"`
	JwtIssuer    string `env:"JWT_ISSUER,optional" description:"accepted issuer for JWT bearer tokens"`
	JwtCertsURL  string `env:"JWT_CERTS_URL,optional" description:"download url for the issuer's public keys"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	db, err := sql.Open("postgres", service.Postgres)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	var notifier core.Notifier
	if len(service.KafkaBrokers) > 0 {
		kafkaNotifier := backend.NewKafkaNotifier(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
		rlog.Infoln("exporting change events to kafka topic", service.KafkaTopic)
	}

	schema := "todo"
	router := mux.NewRouter()
	b := backend.MustNew(&backend.Builder{
		Config:   configurationJSON,
		Schema:   schema,
		DB:       db,
		Router:   router,
		Notifier: notifier,
	})

	b.HandleChanges("todo", func(ctx context.Context, ev backend.Event) error {
		logger.FromContext(ctx).Infof("todo %s: %s #%d", ev.ResourceID, ev.Operation, ev.Sequence)
		return nil
	})

	if len(service.JwtIssuer) > 0 {
		router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
			PublicKeyDownloadURL: service.JwtCertsURL,
			Issuer:               service.JwtIssuer,
			DB:                   b.DB(),
		}))
		if err := access.EnsureFunctionAccounts(b.DB(), access.FunctionAccount{
			Identity: "todo-service",
			Roles:    []string{"admin"},
		}); err != nil {
			rlog.WithError(err).Fatalln("cannot ensure function accounts")
		}
	}

	// development logins. The backdoor grants authorization, not privilege.
	router.Use(access.NewBackdoorMiddleware(&access.BackdoorMiddlewareBuilder{
		Backdoors: map[string]access.Authorization{
			"alice": {Identity: "alice", Roles: []string{"user"}},
			"bob":   {Identity: "bob", Roles: []string{"user"}},
			"root":  {Identity: "root", Roles: []string{"admin"}},
		},
	}))

	rlog.Infoln("listen on port :3000")
	http.ListenAndServe(":3000", router)
}
