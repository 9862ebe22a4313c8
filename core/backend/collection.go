// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/capeworks/cape/core"
	"github.com/capeworks/cape/core/access"
	"github.com/capeworks/cape/core/csql"
	"github.com/capeworks/cape/core/logger"
)

// txQueryer is the query surface of a unit of work's transaction. *sql.Tx
// satisfies it.
type txQueryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// system properties generated by the backend. They live in table columns, not
// in the properties document.
var reservedProperties = []string{"timestamp", "revision"}

// indexedProperties returns the properties stored as dedicated varchar
// columns: the owner property, the external index and all searchable
// properties.
func indexedProperties(rc core.Descriptor) []string {
	var properties []string
	seen := map[string]bool{}
	add := func(property string) {
		if len(property) > 0 && !seen[property] {
			seen[property] = true
			properties = append(properties, property)
		}
	}
	add(rc.OwnerProperty)
	add(rc.ExternalIndex)
	for _, property := range rc.SearchableProperties {
		add(property)
	}
	return properties
}

func (b *Backend) createCollectionResource(rc core.Descriptor) error {
	schema := b.db.Schema
	resource := rc.Resource
	this := resource
	primaryKey := rc.PrimaryKey()
	plural := core.Plural(resource)

	nillog := logger.Default()
	nillog.Debugln("create collection:", resource)
	if rc.Description != "" {
		nillog.Debugln("  description:", rc.Description)
	}
	if rc.SchemaID != "" && !b.jsonValidator.HasSchema(rc.SchemaID) {
		nillog.Errorf("invalid configuration for resource %s, schema_id %s is unknown. Validation is deactivated for this resource",
			resource, rc.SchemaID)
	}

	createColumns := []string{
		primaryKey + " uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY",
		"timestamp timestamp NOT NULL DEFAULT now()",
		"revision INTEGER NOT NULL DEFAULT 1",
		"properties json NOT NULL DEFAULT '{}'::jsonb",
	}
	createQuery := fmt.Sprintf("CREATE table IF NOT EXISTS %s.\"%s\"(%s);",
		schema, resource, strings.Join(createColumns, ", "))

	indexed := indexedProperties(rc)
	for _, property := range indexed {
		createQuery += fmt.Sprintf("ALTER TABLE %s.\"%s\" ADD COLUMN IF NOT EXISTS \"%s\" varchar NOT NULL DEFAULT '';",
			schema, resource, property)
		if property == rc.ExternalIndex {
			createQuery += fmt.Sprintf("CREATE UNIQUE index IF NOT EXISTS %s ON %s.\"%s\"(%s) WHERE %s <> '';",
				"external_index_"+this+"_"+property, schema, resource, property, property)
		} else {
			createQuery += fmt.Sprintf("CREATE index IF NOT EXISTS %s ON %s.\"%s\"(%s);",
				"searchable_property_"+this+"_"+property, schema, resource, property)
		}
	}
	createQuery += fmt.Sprintf("CREATE index IF NOT EXISTS %s ON %s.\"%s\"(timestamp);",
		"sort_index_"+this+"_timestamp", schema, resource)

	if _, err := b.db.Exec(createQuery); err != nil {
		return fmt.Errorf("cannot create relation for %s: %s", resource, err)
	}

	readColumns := append([]string{primaryKey, "timestamp", "revision", "properties"}, indexed...)
	readQuery := fmt.Sprintf("SELECT %s FROM %s.\"%s\"", strings.Join(readColumns, ", "), schema, resource)

	insertColumns := append([]string{primaryKey, "properties"}, indexed...)
	placeholders := make([]string, len(insertColumns))
	for i := range insertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s.\"%s\"(%s) VALUES(%s) RETURNING timestamp;",
		schema, resource, strings.Join(insertColumns, ","), strings.Join(placeholders, ","))

	updateSets := []string{"properties = $2", "revision = revision + 1", "timestamp = $3"}
	for i, property := range indexed {
		updateSets = append(updateSets, fmt.Sprintf("\"%s\" = $%d", property, i+4))
	}
	updateQuery := fmt.Sprintf("UPDATE %s.\"%s\" SET %s WHERE %s = $1 RETURNING revision;",
		schema, resource, strings.Join(updateSets, ", "), primaryKey)

	deleteQuery := fmt.Sprintf("DELETE FROM %s.\"%s\" WHERE %s = $1;", schema, resource, primaryKey)

	// scan one row into a full object: the properties document plus the
	// system and indexed columns
	scanObject := func(scan func(...interface{}) error) (map[string]interface{}, error) {
		var (
			resourceID uuid.UUID
			timestamp  time.Time
			revision   int
			properties []byte
		)
		values := []interface{}{&resourceID, &timestamp, &revision, &properties}
		indexedValues := make([]string, len(indexed))
		for i := range indexed {
			values = append(values, &indexedValues[i])
		}
		if err := scan(values...); err != nil {
			return nil, err
		}
		object := map[string]interface{}{}
		if err := json.Unmarshal(properties, &object); err != nil {
			return nil, err
		}
		// the properties document is authoritative and keeps the original
		// types; the indexed columns only serve queries
		for i, property := range indexed {
			if _, ok := object[property]; !ok {
				object[property] = indexedValues[i]
			}
		}
		object[primaryKey] = resourceID.String()
		object["timestamp"] = timestamp.UTC()
		object["revision"] = revision
		return object, nil
	}

	// the stored properties document is the client object without the
	// generated system properties
	propertiesDocument := func(object map[string]interface{}) ([]byte, error) {
		stripped := make(map[string]interface{}, len(object))
		for key, value := range object {
			stripped[key] = value
		}
		delete(stripped, primaryKey)
		for _, property := range reservedProperties {
			delete(stripped, property)
		}
		return json.Marshal(stripped)
	}

	stringValue := func(object map[string]interface{}, property string) string {
		value, ok := object[property]
		if !ok || value == nil {
			return ""
		}
		if s, ok := value.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", value)
	}

	authorize := func(r *http.Request, operation core.Operation, object map[string]interface{}) error {
		if access.IsPrivileged(r.Context()) {
			return nil
		}
		auth := access.AuthorizationFromContext(r.Context())
		authorized, err := b.engine.Authorize(auth, resource, operation, object)
		if err != nil {
			return err
		}
		if !authorized {
			return core.ErrPermissionDenied
		}
		return nil
	}

	readObject := func(resourceID uuid.UUID) (map[string]interface{}, error) {
		row := b.db.QueryRow(readQuery+fmt.Sprintf(" WHERE %s = $1;", primaryKey), resourceID)
		return scanObject(row.Scan)
	}

	list := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		if !rc.SupportsOperation(core.OperationList) {
			http.Error(w, "list not supported for "+resource, http.StatusMethodNotAllowed)
			return
		}

		scope := access.ScopeAll
		if !access.IsPrivileged(r.Context()) {
			auth := access.AuthorizationFromContext(r.Context())
			var err error
			scope, err = b.engine.AuthorizeScope(auth, resource, core.OperationList)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		response := []interface{}{}
		if scope == access.ScopeNone {
			// a row is wholly visible or wholly excluded; with no grant the
			// collection is simply empty
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(response)
			return
		}

		var (
			where []string
			args  []interface{}
		)
		for _, property := range indexed {
			if value := r.URL.Query().Get(property); len(value) > 0 {
				args = append(args, value)
				where = append(where, fmt.Sprintf("\"%s\" = $%d", property, len(args)))
			}
		}
		if scope == access.ScopeOwned {
			auth := access.AuthorizationFromContext(r.Context())
			args = append(args, auth.Identity)
			where = append(where, fmt.Sprintf("\"%s\" = $%d", rc.OwnerProperty, len(args)))
		}
		query := readQuery
		if len(where) > 0 {
			query += " WHERE " + strings.Join(where, " AND ")
		}
		query += " ORDER BY timestamp DESC, " + primaryKey + ";"

		rows, err := b.db.Query(query, args...)
		if err != nil {
			rlog.WithError(err).Errorln("cannot list", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		defer rows.Close()
		for rows.Next() {
			object, err := scanObject(rows.Scan)
			if err != nil {
				rlog.WithError(err).Errorln("cannot scan", resource)
				http.Error(w, "database error", http.StatusInternalServerError)
				return
			}
			response = append(response, object)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}

	create := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		if !rc.SupportsOperation(core.OperationCreate) {
			http.Error(w, "create not supported for "+resource, http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var object map[string]interface{}
		if err := json.Unmarshal(body, &object); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if rc.SchemaID != "" && b.jsonValidator.HasSchema(rc.SchemaID) {
			if err := b.jsonValidator.ValidateString(string(body), rc.SchemaID); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		// convenience: the owner property defaults to the acting identity
		auth := access.AuthorizationFromContext(r.Context())
		if len(rc.OwnerProperty) > 0 && stringValue(object, rc.OwnerProperty) == "" && auth != nil && len(auth.Identity) > 0 {
			object[rc.OwnerProperty] = auth.Identity
		}

		if err := authorize(r, core.OperationCreate, object); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		resourceID := uuid.New()
		if value, ok := object[primaryKey].(string); ok {
			parsed, err := uuid.Parse(value)
			if err != nil {
				http.Error(w, "invalid "+primaryKey, http.StatusBadRequest)
				return
			}
			resourceID = parsed
		}

		properties, err := propertiesDocument(object)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		args := []interface{}{resourceID, properties}
		for _, property := range indexed {
			args = append(args, stringValue(object, property))
		}

		u, err := b.beginUnit(r.Context())
		if err != nil {
			rlog.WithError(err).Errorln("cannot begin transaction")
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		var timestamp time.Time
		if err := u.tx.(txQueryer).QueryRow(insertQuery, args...).Scan(&timestamp); err != nil {
			u.rollback()
			if pqError, ok := err.(*pq.Error); ok && pqError.Code == "23505" {
				http.Error(w, resource+" already exists", http.StatusConflict)
				return
			}
			rlog.WithError(err).Errorln("cannot create", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}

		object[primaryKey] = resourceID.String()
		object["timestamp"] = timestamp.UTC()
		object["revision"] = 1
		u.record(core.OperationCreate, resource, resourceID, object)
		if err := u.commit(r.Context()); err != nil {
			rlog.WithError(err).Errorln("cannot commit", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(object)
	}

	readOne := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		if !rc.SupportsOperation(core.OperationRead) {
			http.Error(w, "read not supported for "+resource, http.StatusMethodNotAllowed)
			return
		}
		resourceID, err := uuid.Parse(mux.Vars(r)[primaryKey])
		if err != nil {
			http.Error(w, "invalid "+primaryKey, http.StatusBadRequest)
			return
		}
		object, err := readObject(resourceID)
		if err == csql.ErrNoRows {
			http.Error(w, resource+" not found", http.StatusNotFound)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorln("cannot read", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		if err := authorize(r, core.OperationRead, object); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(object)
	}

	update := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		if !rc.SupportsOperation(core.OperationUpdate) {
			http.Error(w, "update not supported for "+resource, http.StatusMethodNotAllowed)
			return
		}
		resourceID, err := uuid.Parse(mux.Vars(r)[primaryKey])
		if err != nil {
			http.Error(w, "invalid "+primaryKey, http.StatusBadRequest)
			return
		}

		// authorization is evaluated against the current state of the row,
		// not against the state the caller would like to write
		current, err := readObject(resourceID)
		if err == csql.ErrNoRows {
			http.Error(w, resource+" not found", http.StatusNotFound)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorln("cannot read", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		if err := authorize(r, core.OperationUpdate, current); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		body, _ := io.ReadAll(r.Body)
		var object map[string]interface{}
		if err := json.Unmarshal(body, &object); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if rc.SchemaID != "" && b.jsonValidator.HasSchema(rc.SchemaID) {
			if err := b.jsonValidator.ValidateString(string(body), rc.SchemaID); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		// the owner of a row does not change on update unless explicitly written
		if len(rc.OwnerProperty) > 0 && stringValue(object, rc.OwnerProperty) == "" {
			object[rc.OwnerProperty] = current[rc.OwnerProperty]
		}

		properties, err := propertiesDocument(object)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		timestamp := time.Now().UTC()
		args := []interface{}{resourceID, properties, timestamp}
		for _, property := range indexed {
			args = append(args, stringValue(object, property))
		}

		u, err := b.beginUnit(r.Context())
		if err != nil {
			rlog.WithError(err).Errorln("cannot begin transaction")
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		var revision int
		if err := u.tx.(txQueryer).QueryRow(updateQuery, args...).Scan(&revision); err != nil {
			u.rollback()
			if err == csql.ErrNoRows {
				http.Error(w, resource+" not found", http.StatusNotFound)
				return
			}
			rlog.WithError(err).Errorln("cannot update", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}

		object[primaryKey] = resourceID.String()
		object["timestamp"] = timestamp
		object["revision"] = revision
		u.record(core.OperationUpdate, resource, resourceID, object)
		if err := u.commit(r.Context()); err != nil {
			rlog.WithError(err).Errorln("cannot commit", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(object)
	}

	remove := func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		if !rc.SupportsOperation(core.OperationDelete) {
			http.Error(w, "delete not supported for "+resource, http.StatusMethodNotAllowed)
			return
		}
		resourceID, err := uuid.Parse(mux.Vars(r)[primaryKey])
		if err != nil {
			http.Error(w, "invalid "+primaryKey, http.StatusBadRequest)
			return
		}
		current, err := readObject(resourceID)
		if err == csql.ErrNoRows {
			http.Error(w, resource+" not found", http.StatusNotFound)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorln("cannot read", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		if err := authorize(r, core.OperationDelete, current); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		u, err := b.beginUnit(r.Context())
		if err != nil {
			rlog.WithError(err).Errorln("cannot begin transaction")
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		if _, err := u.tx.(txQueryer).Exec(deleteQuery, resourceID); err != nil {
			u.rollback()
			rlog.WithError(err).Errorln("cannot delete", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		// the delete event carries the pre-deletion snapshot
		u.record(core.OperationDelete, resource, resourceID, current)
		if err := u.commit(r.Context()); err != nil {
			rlog.WithError(err).Errorln("cannot commit", resource)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}

	nillog.Debugln("  handle route: /" + plural + " GET, POST")
	b.router.HandleFunc("/"+plural, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		switch r.Method {
		case http.MethodGet:
			list(w, r)
		case http.MethodPost:
			create(w, r)
		}
	}).Methods(http.MethodGet, http.MethodPost)

	nillog.Debugln("  handle route: /" + plural + "/{" + primaryKey + "} GET, PUT, DELETE")
	b.router.HandleFunc("/"+plural+"/{"+primaryKey+"}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		switch r.Method {
		case http.MethodGet:
			readOne(w, r)
		case http.MethodPut:
			update(w, r)
		case http.MethodDelete:
			remove(w, r)
		}
	}).Methods(http.MethodGet, http.MethodPut, http.MethodDelete)

	return nil
}
