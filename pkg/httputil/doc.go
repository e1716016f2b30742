// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, role)
//	httputil.WriteConflict(w, err.Error())
//	httputil.WriteErrorResponse(w, http.StatusBadRequest, httputil.ErrorResponse{
//		Error:   "Tenant required",
//		Message: "This endpoint requires valid tenant information",
//	})
//
// WriteInternalError never echoes the underlying error; log it instead.
//
// # Request Parsing
//
//	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	userID, ok := httputil.ParsePathUUIDOrError(w, r, "user_id")
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
package httputil
