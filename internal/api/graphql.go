package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/graphql-go/graphql"

	"github.com/stacklok/content-mirror/internal/api/common"
	"github.com/stacklok/content-mirror/internal/telemetry"
)

const maxGraphQLBodyBytes = 1 << 20

// GraphQLExecutor runs a query against the current schema
type GraphQLExecutor interface {
	Execute(ctx context.Context, query string, variables map[string]any, operationName string) *graphql.Result
}

// graphQLHandler handles POST /graphql. Query errors are reported in the
// response body with status 200; only an unreadable request is a 400.
func graphQLHandler(exec GraphQLExecutor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GraphQLRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGraphQLBodyBytes))
		if err := dec.Decode(&req); err != nil {
			common.WriteErrorResponse(w, "invalid GraphQL request body", http.StatusBadRequest)
			return
		}
		if req.Query == "" {
			common.WriteErrorResponse(w, "query is required", http.StatusBadRequest)
			return
		}

		result := exec.Execute(r.Context(), req.Query, req.Variables, req.OperationName)
		telemetry.RecordGraphQLOperation(r.Context(), req.OperationName, len(result.Errors))
		common.WriteJSONResponse(w, result, http.StatusOK)
	}
}
