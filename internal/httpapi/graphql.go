package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/graphql-go/graphql"

	"github.com/wikireplica/wikireplica/internal/store"
)

// graphqlSchema builds a read-only query surface over a node's store,
// grounded on the teacher's pkg/graphql/schema.go. Unlike the teacher,
// which exposes mutations/subscriptions directly against its document
// store, this schema has no mutation type: writes must go through the
// /request_page_commit and /request_user_commit two-phase-commit
// endpoints, never around them.
func graphqlSchema(st *store.Store) (graphql.Schema, error) {
	pageType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Page",
		Fields: graphql.Fields{
			"name":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"content": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
	})

	userType := graphql.NewObject(graphql.ObjectConfig{
		Name: "User",
		Fields: graphql.Fields{
			"name":  &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"admin": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean)},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"page": &graphql.Field{
				Type: pageType,
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					name, _ := p.Args["name"].(string)
					page, ok := st.GetPage(name)
					if !ok {
						return nil, nil
					}
					return page, nil
				},
			},
			"pages": &graphql.Field{
				Type: graphql.NewList(pageType),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return st.ListPages(), nil
				},
			},
			"searchPages": &graphql.Field{
				Type: graphql.NewList(pageType),
				Args: graphql.FieldConfigArgument{
					"substring": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					substring, _ := p.Args["substring"].(string)
					return st.SearchPages(substring), nil
				},
			},
			"user": &graphql.Field{
				Type: userType,
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					name, _ := p.Args["name"].(string)
					user, ok := st.GetUserByName(name)
					if !ok {
						return nil, nil
					}
					return user, nil
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
}

type graphqlRequest struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

// graphqlHandler serves POST /graphql against the node's own store,
// mirroring the teacher's pkg/graphql/handler.go ServeHTTP.
func (h *ReplicaHandlers) graphqlHandler(w http.ResponseWriter, r *http.Request) {
	var req graphqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &badRequestError{msg: "invalid GraphQL request body"})
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         h.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}
